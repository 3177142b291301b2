package ostrace

import (
	"fmt"

	"firestige.xyz/ostrace/internal/core"
)

const (
	requestPidList       = "PidList"
	requestCreateArchive = "CreateArchive"
	requestStartActivity = "StartActivity"
)

type pidListRequest struct {
	Request string `plist:"Request"`
}

type createArchiveRequest struct {
	Request   string `plist:"Request"`
	SizeLimit *int64 `plist:"SizeLimit,omitempty"`
	AgeLimit  *int64 `plist:"AgeLimit,omitempty"`
	StartTime *int64 `plist:"StartTime,omitempty"`
}

type startActivityRequest struct {
	Request       string `plist:"Request"`
	MessageFilter int    `plist:"MessageFilter"`
	Pid           int    `plist:"Pid"`
	StreamFlags   int    `plist:"StreamFlags"`
}

// Status is the Status value of a relay response.
type Status string

const StatusRequestSuccessful Status = "RequestSuccessful"

// StatusResponse is the acknowledgement sent before archive and syslog data.
type StatusResponse struct {
	Status Status `plist:"Status"`
	Error  string `plist:"Error"`
}

// Err returns nil for a successful status.
func (r StatusResponse) Err() error {
	switch r.Status {
	case StatusRequestSuccessful:
		return nil
	default:
		if r.Error != "" {
			return fmt.Errorf("%w: status %q: %s", core.ErrInvalidPayload, r.Status, r.Error)
		}
		return fmt.Errorf("%w: status %q", core.ErrInvalidPayload, r.Status)
	}
}
