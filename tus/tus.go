// Package tus implements the client side of the tus 1.0 resumable upload protocol.
//
// A Client creates uploads on a server or resumes them with the help of a Store
// which maps upload fingerprints to upload URLs. The returned Uploader sends the
// payload chunk by chunk and keeps track of the offset the server acknowledged.
package tus

import "net/http"

// ProtocolVersion is sent in the Tus-Resumable header of every request.
const ProtocolVersion = "1.0.0"

// Protocol headers.
const (
	HeaderTusResumable   = "Tus-Resumable"
	HeaderUploadLength   = "Upload-Length"
	HeaderUploadOffset   = "Upload-Offset"
	HeaderUploadMetadata = "Upload-Metadata"
	HeaderLocation       = "Location"
	HeaderContentType    = "Content-Type"
)

// ContentTypeOffsetOctetStream is the content type of chunk requests.
const ContentTypeOffsetOctetStream = "application/offset+octet-stream"

func isSuccess(statusCode int) bool {
	return statusCode >= http.StatusOK && statusCode < http.StatusMultipleChoices
}
