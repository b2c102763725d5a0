// Package emulators starts throwaway containers for integration tests.
package emulators

// ImageContainer names an image and the ports it listens on.
type ImageContainer struct {
	EmulatorImage    string
	EmulatorHTTPPort string
	EmulatorGRPCPort string
}

// GCImageContainer is an ImageContainer for a Google Cloud emulator.
type GCImageContainer struct {
	ImageContainer
	ProjectID       string
	SetEnvVariables bool
}

// EmulatorConnectionInfo is what a test needs to reach a started container.
type EmulatorConnectionInfo struct {
	EmulatorAddress string
}
