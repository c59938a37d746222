package tool

// FastReturnError wraps a protocol error message in the JSON shape peers
// expect on 4xx/5xx responses.
func FastReturnError(message string) map[string]string {
	return map[string]string{"message": message}
}
