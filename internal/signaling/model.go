package signaling

// OfferRequest is the body of POST /offer.
type OfferRequest struct {
	SDP            string `json:"sdp"`
	Type           string `json:"type"`
	VideoTransform string `json:"video_transform"`
	// SourceURL replaces the browser's video with an RTSP camera.
	SourceURL string `json:"source_url,omitempty"`
}

type OfferResponse struct {
	SDP       string `json:"sdp"`
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type SnapshotResponse struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
	Size   int64  `json:"size"`
}

type ModesResponse struct {
	Modes []string `json:"modes"`
}
