package policy

import "runtime"

// isCaseInsensitiveOS reports whether the host's default filesystem folds
// case (Windows and macOS/HFS+/APFS by default; Linux ext4/most servers do
// not). This is a coarse, platform-level approximation — sufficient for glob
// matching, which only needs to decide whether to fold case before comparing.
func isCaseInsensitiveOS() bool {
	switch runtime.GOOS {
	case "windows", "darwin":
		return true
	default:
		return false
	}
}
