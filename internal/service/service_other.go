//go:build !linux && !darwin

package service

type unsupported struct{}

// New returns a service manager that reports the platform as unsupported.
func New() Service {
	return unsupported{}
}

func (unsupported) Install(Options) error   { return ErrUnsupported }
func (unsupported) Uninstall() error        { return ErrUnsupported }
func (unsupported) IsInstalled() bool       { return false }
func (unsupported) Status() (string, error) { return "", ErrUnsupported }
