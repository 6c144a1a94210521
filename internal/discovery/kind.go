package discovery

import (
	"runtime"

	"github.com/shirou/gopsutil/v3/host"

	"github.com/hylarana/hylarana/pkg/models"
)

// CurrentKind reports the platform kind advertised in the discovery payload.
func CurrentKind() models.DeviceKind {
	os := runtime.GOOS
	if info, err := host.Info(); err == nil && info.OS != "" {
		os = info.OS
	}
	switch os {
	case "windows":
		return models.KindWindows
	case "darwin", "ios":
		return models.KindApple
	case "android":
		return models.KindAndroid
	default:
		return models.KindLinux
	}
}
