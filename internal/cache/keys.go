package cache

import (
	"fmt"
	"net/url"
	"strings"
)

// device:target:{address} holds a cached device configuration row.
func DeviceTargetKey(address string) string {
	return fmt.Sprintf("device:target:%s", url.PathEscape(strings.TrimSpace(address)))
}

// device:status:{address} holds a cached device status response.
func DeviceStatusKey(address string) string {
	return fmt.Sprintf("device:status:%s", url.PathEscape(strings.TrimSpace(address)))
}
