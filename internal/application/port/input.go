package port

import (
	"context"
	"image"
)

// InputDriver sends mouse and keyboard input to the remote session
type InputDriver interface {
	Click(ctx context.Context, at image.Point) error
	DoubleClick(ctx context.Context, at image.Point) error
	MoveTo(ctx context.Context, at image.Point) error
	TypeText(ctx context.Context, text string) error
	// PressKey presses a single named key such as "Tab", "Enter" or "Escape"
	PressKey(ctx context.Context, key string) error
	// Hotkey presses a combination such as "ctrl+a" or "alt+shift+o"
	Hotkey(ctx context.Context, combo string) error
}

// RemoteConnector opens the remote desktop session
type RemoteConnector interface {
	Connect(ctx context.Context) error
}
