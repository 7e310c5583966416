package config

// DefaultAddr is the default listen address for the HTTP and WebSocket server.
const DefaultAddr = "127.0.0.1:7070"

const (
	DefaultLogLevel            = "info"
	DefaultTokenTTLHours       = 24
	DefaultAIMarker            = "@ai"
	DefaultAIProvider          = "gemini"
	DefaultAIModel             = "gemini-2.0-flash"
	DefaultAITimeoutSeconds    = 60
	DefaultPreviewHost         = "localhost"
	DefaultReadyTimeoutSeconds = 120
	DefaultOutputLines         = 2000
)

// DefaultRuntimes is the manifest table used when the config file has none.
func DefaultRuntimes() []RuntimeConfig {
	return []RuntimeConfig{
		{Manifest: "package.json", Install: "npm install", Start: "npm start"},
		{Manifest: "requirements.txt", Install: "pip install -r requirements.txt", Start: "python app.py"},
		{Manifest: "go.mod", Install: "go build ./...", Start: "go run ."},
	}
}
