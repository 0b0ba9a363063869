/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/maskelog/esp32-music-info/internal/music"
)

// nowCmd represents the now command
var nowCmd = &cobra.Command{
	Use:   "now",
	Short: "Display the track the daemon is relaying",
	Long: `Ask the running daemon for the current track and print it exactly as
it is written to the display.

Exit codes:
  0 - A track is playing
  1 - Nothing playing, or the daemon is not running`,
	RunE: runNow,
}

func init() {
	rootCmd.AddCommand(nowCmd)

	// Add width flag to set fixed output width
	nowCmd.Flags().IntP("width", "w", 0, "Fixed output width (0=disabled)")
	// Add marquee flag to enable scrolling
	nowCmd.Flags().Bool("marquee", false, "Enable marquee scrolling for long text")
	nowCmd.Flags().Int("marquee-speed", 2, "Marquee speed in characters per second")
	nowCmd.Flags().String("marquee-separator", " • ", "Text between marquee repetitions")
}

func runNow(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := newClient()
	if err != nil {
		return err
	}

	output, err := client.Track(ctx)
	if err != nil {
		return fmt.Errorf("failed to get current track: %w", err)
	}

	// If not playing, exit with code 1
	if output == music.NoneText {
		os.Exit(1)
		return nil
	}

	width, _ := cmd.Flags().GetInt("width")
	marquee, _ := cmd.Flags().GetBool("marquee")
	speed, _ := cmd.Flags().GetInt("marquee-speed")
	separator, _ := cmd.Flags().GetString("marquee-separator")

	if width > 0 {
		// Status bars get a single line
		output = singleLine(output)
		if marquee {
			output = marqueeText(output, width, speed, separator)
		} else {
			output = padToWidth(output, width)
		}
	}

	fmt.Println(output)
	return nil
}

// singleLine joins the lines of a multi-line payload
func singleLine(text string) string {
	return strings.Join(strings.Split(text, "\n"), " | ")
}

// padToWidth fits text to exactly width display columns, padding with
// spaces or cutting with "...". Width <= 0 leaves text unchanged.
func padToWidth(text string, width int) string {
	if width <= 0 {
		return text
	}

	const ellipsis = "..."
	if runewidth.StringWidth(text) > width {
		if width <= len(ellipsis) {
			return ellipsis[:width]
		}
		text = runewidth.Truncate(text, width-len(ellipsis), "") + ellipsis
	}
	// Truncate can stop short of a wide rune, so pad in both cases
	return runewidth.FillRight(text, width)
}

// marqueeText scrolls text through a window of width columns. The offset
// comes from the wall clock, so each status bar refresh shows the next
// step without keeping state between invocations.
func marqueeText(text string, width int, speed int, separator string) string {
	return marqueeAt(text, width, speed, separator, time.Now())
}

func marqueeAt(text string, width int, speed int, separator string, now time.Time) string {
	if width <= 0 {
		return text
	}
	if runewidth.StringWidth(text) <= width {
		return padToWidth(text, width)
	}

	loop := []rune(text + separator)
	offset := int(now.Unix()*int64(speed)) % len(loop)
	if offset < 0 {
		offset += len(loop)
	}

	var sb strings.Builder
	used := 0
	for i := 0; ; i++ {
		r := loop[(offset+i)%len(loop)]
		rw := runewidth.RuneWidth(r)
		if used+rw > width {
			break
		}
		sb.WriteRune(r)
		used += rw
	}
	return runewidth.FillRight(sb.String(), width)
}
