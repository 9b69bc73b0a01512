package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"regexp"
)

// handlePattern restricts display handles to something safe to echo into
// status events and logs.
var handlePattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// offerRequest is the body of POST /offer.
type offerRequest struct {
	SDP      string `json:"sdp"`
	Type     string `json:"type"`
	Password string `json:"password"`
	Handle   string `json:"handle"`
}

func (r offerRequest) Validate() error {
	if r.Type != "offer" {
		return fmt.Errorf(`type must be "offer", got %q`, r.Type)
	}
	if r.SDP == "" {
		return errors.New("sdp must not be empty")
	}
	if r.Handle != "" && !handlePattern.MatchString(r.Handle) {
		return fmt.Errorf("handle must match %s", handlePattern)
	}
	return nil
}

// answerResponse is the body of a successful POST /offer.
type answerResponse struct {
	SDP    string `json:"sdp"`
	Type   string `json:"type"`
	PeerID string `json:"peerId"`
}

type httpErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// parseOfferRequest decodes strictly: unknown fields and trailing JSON values
// are rejected so client bugs surface as 400s instead of silent truncation.
func parseOfferRequest(body io.Reader) (offerRequest, error) {
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()

	var req offerRequest
	if err := dec.Decode(&req); err != nil {
		return offerRequest{}, err
	}
	if dec.More() {
		return offerRequest{}, errors.New("unexpected trailing data")
	}
	return req, nil
}
