package types

// BinaryEntry is raw binary output produced by the worker, keyed by binary
// property name in a Result.
type BinaryEntry struct {
	// Data holds the raw bytes. encoding/json carries it as base64.
	Data []byte `json:"data"`

	// Type is the declared output kind: pdf, png, jpeg, webp.
	Type string `json:"type"`
}

// Result is the successful outcome of an exec call.
type Result struct {
	JSON   map[string]interface{} `json:"json"`
	Binary map[string]BinaryEntry `json:"binary,omitempty"`
}

// ErrorRecord describes an execution failure that was recovered because the
// caller asked to continue on failure.
type ErrorRecord struct {
	Error      string            `json:"error"`
	URL        string            `json:"url,omitempty"`
	StatusCode int               `json:"statusCode,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       string            `json:"body,omitempty"`
}

// ExecResponse is the reply to an exec call. Exactly one of Result and
// ErrorRecord is set.
type ExecResponse struct {
	Result      *Result      `json:"result,omitempty"`
	ErrorRecord *ErrorRecord `json:"errorRecord,omitempty"`
}

// Failed reports whether the response carries a recovered failure.
func (r *ExecResponse) Failed() bool {
	return r != nil && r.ErrorRecord != nil
}

// BinaryData is a host attachment prepared from a BinaryEntry.
type BinaryData struct {
	// Data is base64 encoded.
	Data          string `json:"data"`
	MimeType      string `json:"mimeType"`
	FileExtension string `json:"fileExtension,omitempty"`
	FileName      string `json:"fileName,omitempty"`
	FileSize      string `json:"fileSize,omitempty"`
}

// PairedItem links an output item back to the input item it came from.
type PairedItem struct {
	Item int `json:"item"`
}

// Item is one host-facing output item.
type Item struct {
	JSON       map[string]interface{} `json:"json"`
	Binary     map[string]BinaryData  `json:"binary,omitempty"`
	PairedItem PairedItem             `json:"pairedItem"`
	Error      string                 `json:"error,omitempty"`
}

// ErrorItem builds the item emitted for a recovered failure at index.
func ErrorItem(rec ErrorRecord, index int) Item {
	data := map[string]interface{}{"error": rec.Error}
	if rec.URL != "" {
		data["url"] = rec.URL
	}
	if rec.StatusCode != 0 {
		data["statusCode"] = rec.StatusCode
	}
	if len(rec.Headers) > 0 {
		data["headers"] = rec.Headers
	}
	if rec.Body != "" {
		data["body"] = rec.Body
	}
	return Item{
		JSON:       data,
		PairedItem: PairedItem{Item: index},
		Error:      rec.Error,
	}
}
