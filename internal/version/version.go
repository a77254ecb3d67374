// ABOUTME: Build and product identification
// ABOUTME: Reported in logs and in the User-Agent header
package version

const (
	// Version of this client
	Version = "0.3.0"

	// Product names the client towards receivers
	Product = "MediaControl"
)

// UserAgent is the User-Agent value sent to receivers
func UserAgent() string {
	return Product + "/1.0"
}
