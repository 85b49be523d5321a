// Copyright 2024 The Matterbridge Authors
// Licensed under the AGPLv3, see LICENCE file for details.

package frontend

import (
	"encoding/json"
)

// Well-known endpoints of the control-plane channel.
const (
	SrcMatterbridge = "Matterbridge"
	SrcFrontend     = "Frontend"
)

// broadcastID is the sentinel id carried by every broadcast envelope.
var broadcastID = json.RawMessage("0")

// Message is the control-plane wire envelope. The id is kept raw so a
// client using string ids gets the same bytes echoed back.
type Message struct {
	ID       json.RawMessage `json:"id"`
	Sender   string          `json:"sender,omitempty"`
	Method   string          `json:"method"`
	Src      string          `json:"src"`
	Dst      string          `json:"dst"`
	Params   json.RawMessage `json:"params,omitempty"`
	Response interface{}     `json:"response,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// response builds the reply envelope for a targeted request.
func response(req Message, payload interface{}) Message {
	return Message{
		ID:       req.ID,
		Method:   req.Method,
		Src:      SrcMatterbridge,
		Dst:      SrcFrontend,
		Response: payload,
	}
}

// errorResponse builds the error reply envelope for a targeted
// request.
func errorResponse(req Message, err error) Message {
	return Message{
		ID:     req.ID,
		Method: req.Method,
		Src:    SrcMatterbridge,
		Dst:    SrcFrontend,
		Error:  err.Error(),
	}
}

// broadcast builds a server push envelope.
func broadcast(method string, payload interface{}) Message {
	return Message{
		ID:       broadcastID,
		Sender:   SrcMatterbridge,
		Method:   method,
		Src:      SrcMatterbridge,
		Dst:      SrcFrontend,
		Response: payload,
	}
}

// Broadcast method names pushed to every session.
const (
	MethodRefreshRequired = "refresh_required"
	MethodSnackbar        = "snackbar"
	MethodRestartRequired = "restart_required"
	MethodUpdateRequired  = "update_required"
	MethodCPUUpdate       = "cpu_update"
	MethodMemoryUpdate    = "memory_update"
	MethodUptimeUpdate    = "uptime_update"
	MethodLog             = "log"
)
