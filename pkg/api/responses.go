// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package api

import (
	"encoding/json"
	"fmt"
	"iscsiinitiator/pkg/iscsi_initiator"
	"sort"
	"strings"
)

type Response struct {
	Type   string
	Error  string          `json:"error"`
	Result json.RawMessage `json:"result"`
}

type CreatedResponse struct {
	SessionId    uint16 `json:"session_id"`
	ConnectionId uint16 `json:"connection_id"`
}

func (response CreatedResponse) ToCmdlineOutput() string {
	return fmt.Sprintf("Created connection %d of session %d", response.ConnectionId, response.SessionId)
}

type ActivationResponse struct {
	Changed int `json:"changed"`
}

func (response ActivationResponse) ToCmdlineOutput() string {
	return fmt.Sprintf("Changed state of %d connection(s)", response.Changed)
}

type ParameterResponse struct {
	Parameter string `json:"parameter"`
	Value     uint32 `json:"value"`
}

func (response ParameterResponse) ToCmdlineOutput() string {
	return fmt.Sprintf("%s = %d", response.Parameter, response.Value)
}

type SessionInfoResponse iscsi_initiator.SessionInfo

func writeParameters(builder *strings.Builder, indent string, parameters map[string]uint32) {
	names := make([]string, 0, len(parameters))
	for name := range parameters {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(builder, "%s%s = %d\n", indent, name, parameters[name])
	}
}

func (response SessionInfoResponse) ToCmdlineOutput() string {
	builder := strings.Builder{}
	fmt.Fprintf(&builder, "Session %d: %s\n", response.SessionID, response.TargetName)
	fmt.Fprintf(&builder, "  Handle: %s\n", response.Handle)
	fmt.Fprintf(&builder, "  Active: %t (%d connection(s))\n", response.Active, response.ActiveConnections)
	fmt.Fprintf(&builder, "  CmdSN: %d ExpCmdSN: %d MaxCmdSN: %d\n", response.CmdSN, response.ExpCmdSN, response.MaxCmdSN)
	builder.WriteString("  Parameters:\n")
	writeParameters(&builder, "    ", response.Parameters)
	builder.WriteString("  Connections:\n")
	for _, connection := range response.Connections {
		fmt.Fprintf(&builder, "    - Connection %d to %s", connection.ConnectionID, connection.Portal)
		if connection.Portal.HostInterface != "" {
			fmt.Fprintf(&builder, " via %s", connection.Portal.HostInterface)
		}
		builder.WriteString("\n")
		fmt.Fprintf(&builder, "      Active: %t\n", connection.Active)
		fmt.Fprintf(&builder, "      ExpStatSN: %d\n", connection.ExpStatSN)
		fmt.Fprintf(&builder, "      Throughput: %.0f B/s\n", connection.BytesPerSecond)
		writeParameters(&builder, "      ", connection.Parameters)
	}
	return builder.String()
}

type ListResponse []iscsi_initiator.SessionInfo

func (response ListResponse) ToCmdlineOutput() string {
	if len(response) == 0 {
		return "No sessions"
	}
	result := "Listed sessions: \n"
	for _, session := range response {
		result += fmt.Sprintf("  Session %d: %s\n", session.SessionID, session.TargetName)
		result += fmt.Sprintf("  Active: %t\n", session.Active)
		result += "  Connections: \n"
		for _, connection := range session.Connections {
			result += fmt.Sprintf("    - Connection %d: %s active=%t\n",
				connection.ConnectionID, connection.Portal, connection.Active)
		}
	}
	return result
}
