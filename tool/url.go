package tool

import (
	"fmt"
	"net/url"

	"github.com/lebao3105/LocalTalk-sub002/types"
)

const apiBasePath = "/api/localsend/v2"

func endpointBase(host string, remote types.Device) string {
	scheme := remote.Protocol
	if scheme == "" {
		scheme = "http"
	}
	port := remote.Port
	if port == 0 {
		port = 53317
	}
	return fmt.Sprintf("%s://%s:%d%s", scheme, host, port, apiBasePath)
}

// BuildInfoURL builds the /info probe URL for a remote device.
func BuildInfoURL(host string, remote types.Device) string {
	return endpointBase(host, remote) + "/info"
}

// BuildRegisterURL builds the /register callback URL.
func BuildRegisterURL(host string, remote types.Device) string {
	return endpointBase(host, remote) + "/register"
}

// BuildPrepareUploadURL builds the /prepare-upload URL.
// If pin is not empty, add query parameter ?pin=xxx.
func BuildPrepareUploadURL(host string, remote types.Device, pin string) string {
	u := endpointBase(host, remote) + "/prepare-upload"
	if pin != "" {
		u = fmt.Sprintf("%s?pin=%s", u, url.QueryEscape(pin))
	}
	return u
}

// BuildPrepareDownloadURL builds the /prepare-download URL.
// If pin is not empty, add query parameter ?pin=xxx.
func BuildPrepareDownloadURL(host string, remote types.Device, pin string) string {
	u := endpointBase(host, remote) + "/prepare-download"
	if pin != "" {
		u = fmt.Sprintf("%s?pin=%s", u, url.QueryEscape(pin))
	}
	return u
}

// BuildDownloadURL builds the /download URL with sessionId and fileId query parameters.
func BuildDownloadURL(host string, remote types.Device, sessionId, fileId string) string {
	q := url.Values{}
	q.Set("sessionId", sessionId)
	q.Set("fileId", fileId)
	return endpointBase(host, remote) + "/download?" + q.Encode()
}

// BuildUploadURL builds the /upload URL with sessionId, fileId, and token query parameters.
func BuildUploadURL(host string, remote types.Device, sessionId, fileId, token string) string {
	q := url.Values{}
	q.Set("sessionId", sessionId)
	q.Set("fileId", fileId)
	q.Set("token", token)
	return endpointBase(host, remote) + "/upload?" + q.Encode()
}

// BuildCancelURL builds the /cancel URL with the sessionId query parameter.
func BuildCancelURL(host string, remote types.Device, sessionId string) string {
	q := url.Values{}
	q.Set("sessionId", sessionId)
	return endpointBase(host, remote) + "/cancel?" + q.Encode()
}
