package models

// SSHShutdownConfig holds the settings used to power off a repository
// host once every target stored on it has been backed up.
type SSHShutdownConfig struct {
	Host          string `mapstructure:"host" json:"host"`
	Port          int    `mapstructure:"port" json:"port"`
	Username      string `mapstructure:"username" json:"username"`
	KeyPath       string `mapstructure:"key_path" json:"key_path"`
	PrivateKey    []byte `mapstructure:"-" json:"-"`                           // loaded from KeyPath
	KnownHosts    string `mapstructure:"known_hosts" json:"known_hosts"`       // empty accepts any host key
	ShutdownDelay int    `mapstructure:"shutdown_delay" json:"shutdown_delay"` // Linux: minutes, Windows: converted to seconds
	OS            string `mapstructure:"os" json:"os"`                         // "linux" (default) or "windows"
}

// Address returns host:port, used to group targets sharing a host.
func (c SSHShutdownConfig) Address() string {
	return JoinHostPort(c.Host, c.Port)
}

// SSHResult holds the result of an SSH operation.
type SSHResult struct {
	Host       string
	CommandRun bool
	Output     string
	Error      error
}
