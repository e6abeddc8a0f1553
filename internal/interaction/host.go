package interaction

import "context"

// Browser is the top-level page the client runs in.
type Browser interface {
	CurrentURL() string
	InFrame() bool
	Navigate(ctx context.Context, url string, replace bool) error
	// ClearHash drops the response fragment from the address bar so a
	// reload does not replay it.
	ClearHash()
}

type PopupHost interface {
	OpenPopup(ctx context.Context, url string, opts PopupOptions) (Window, error)
}

type PopupOptions struct {
	Name   string
	Width  int
	Height int
}

// Window is a popup window. Location returns an error while the window shows
// a page of another origin.
type Window interface {
	Location() (string, error)
	Closed() bool
	Close()
	Navigate(url string) error
	Focus()
}

type FrameHost interface {
	CreateHiddenFrame(ctx context.Context, sandbox string) (Frame, error)
	RemoveFrame(Frame)
}

type Frame interface {
	Navigate(url string) error
	Location() (string, error)
}

// UnloadNotifier runs callbacks when the hosting page goes away.
type UnloadNotifier interface {
	OnUnload(fn func()) (remove func())
}
