package picker

import "github.com/go-vgo/robotgo"

// RobotGoScreen reads the desktop through robotgo. On macOS the process
// needs Screen Recording permission, otherwise every pixel reads as the
// wallpaper or black.
type RobotGoScreen struct{}

// Compile-time interface satisfaction check.
var _ Screen = RobotGoScreen{}

func (RobotGoScreen) CursorPosition() (int, int) {
	return robotgo.Location()
}

func (RobotGoScreen) PixelHex(x, y int) string {
	return robotgo.GetPixelColor(x, y)
}
