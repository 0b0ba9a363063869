package main

import "github.com/maskelog/esp32-music-info/cmd"

func main() {
	cmd.Execute()
}
