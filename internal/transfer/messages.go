package transfer

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Types of control messages exchanged over the data channel. Photo
// bytes themselves travel as raw binary frames interleaved with these.
const (
	TypeRequestManifest = "request-manifest"
	TypeManifest        = "manifest"
	TypeRequestPhoto    = "request-photo"
	TypeRequestBatch    = "request-photo-batch"
	TypePhotoStart      = "photo-start"
	TypePhotoComplete   = "photo-complete"
	TypeBatchStart      = "photo-batch-start"
	TypeBatchComplete   = "photo-batch-complete"
	TypePing            = "ping"
	TypePong            = "pong"
	TypeError           = "error"
)

// ManifestEntry is one photo's metadata as advertised by the peer.
// Timestamps are epoch milliseconds on the wire.
type ManifestEntry struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	Modified int64  `json:"modified"`
	Created  int64  `json:"created"`
}

// message is the wire envelope for all control records. The type
// discriminator picks which fields are meaningful.
type message struct {
	Type string `json:"type"`

	// manifest
	Photos []ManifestEntry `json:"photos,omitempty"`

	// request-photo / photo-start / photo-complete
	PhotoID      string `json:"photoId,omitempty"`
	RequestID    string `json:"requestId,omitempty"`
	Quality      int    `json:"quality,omitempty"`
	MaxDimension int    `json:"maxDimension,omitempty"`
	Name         string `json:"name,omitempty"`
	Size         int64  `json:"size,omitempty"`
	MimeType     string `json:"mimeType,omitempty"`

	// batch path
	BatchID  string   `json:"batchId,omitempty"`
	Count    int      `json:"count,omitempty"`
	PhotoIDs []string `json:"photoIds,omitempty"`
	Checksum string   `json:"checksum,omitempty"`

	// ping / pong
	Timestamp int64 `json:"timestamp,omitempty"`

	// error
	Error string `json:"error,omitempty"`
}

// Batch binary frames carry a small header tagging the chunk with its
// photo ID and sequence number, so multiple photos can interleave:
//
//	[1B idLen][idLen bytes photoID][4B big-endian seq][payload]
//
// Raw single-stream frames have no header; the engine picks the
// framing by whether a batch is active.

var errShortFrame = errors.New("binary frame too short for batch header")

// encodeBatchFrame builds a tagged batch chunk frame.
func encodeBatchFrame(photoID string, seq uint32, payload []byte) ([]byte, error) {
	if len(photoID) == 0 || len(photoID) > 255 {
		return nil, fmt.Errorf("photo ID length %d out of range for batch frame", len(photoID))
	}
	out := make([]byte, 0, 1+len(photoID)+4+len(payload))
	out = append(out, byte(len(photoID)))
	out = append(out, photoID...)
	var seqb [4]byte
	binary.BigEndian.PutUint32(seqb[:], seq)
	out = append(out, seqb[:]...)
	out = append(out, payload...)
	return out, nil
}

// decodeBatchFrame splits a tagged batch chunk frame.
func decodeBatchFrame(b []byte) (photoID string, seq uint32, payload []byte, err error) {
	if len(b) < 1 {
		return "", 0, nil, errShortFrame
	}
	idLen := int(b[0])
	if len(b) < 1+idLen+4 {
		return "", 0, nil, errShortFrame
	}
	photoID = string(b[1 : 1+idLen])
	seq = binary.BigEndian.Uint32(b[1+idLen : 1+idLen+4])
	payload = b[1+idLen+4:]
	return photoID, seq, payload, nil
}
