package link

import (
	"fmt"
	"regexp"
	"strings"
)

var macPattern = regexp.MustCompile(`^[0-9A-F]{2}(:[0-9A-F]{2}){5}$`)

// NormalizeAddress validates a peripheral MAC address and returns it in
// upper case. The empty string is accepted and means "no target".
func NormalizeAddress(address string) (string, error) {
	address = strings.ToUpper(strings.TrimSpace(address))
	if address == "" {
		return "", nil
	}
	if !macPattern.MatchString(address) {
		return "", fmt.Errorf("invalid bluetooth address %q (want AA:BB:CC:DD:EE:FF)", address)
	}
	return address, nil
}
