// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package api

import (
	"context"
	"encoding/json"
	"iscsiinitiator/pkg/iscsi_initiator"
	"iscsiinitiator/pkg/logger"
	"net"
)

// DemonApiHandler serves control requests against a running session manager.
type DemonApiHandler struct {
	manager       *iscsi_initiator.SessionManager
	socketOptions iscsi_initiator.SocketOptions
}

func NewDemonApiHandler(manager *iscsi_initiator.SessionManager, socketOptions iscsi_initiator.SocketOptions) *DemonApiHandler {
	return &DemonApiHandler{manager: manager, socketOptions: socketOptions}
}

func (handler *DemonApiHandler) CreateSession(ctx context.Context, request CreateSessionRequest) (*CreatedResponse, error) {
	connection, err := iscsi_initiator.DialPortal(ctx, request.Portal, handler.socketOptions)
	if err != nil {
		return nil, err
	}
	sessionId, connectionId, err := handler.manager.CreateSession(request.TargetName, request.Portal, connection)
	if err != nil {
		closeDialed(connection)
		return nil, err
	}
	return &CreatedResponse{SessionId: uint16(sessionId), ConnectionId: uint16(connectionId)}, nil
}

func (handler *DemonApiHandler) CreateConnection(ctx context.Context, request CreateConnectionRequest) (*CreatedResponse, error) {
	connection, err := iscsi_initiator.DialPortal(ctx, request.Portal, handler.socketOptions)
	if err != nil {
		return nil, err
	}
	connectionId, err := handler.manager.CreateConnection(iscsi_initiator.SessionID(request.SessionId), request.Portal, connection)
	if err != nil {
		closeDialed(connection)
		return nil, err
	}
	return &CreatedResponse{SessionId: request.SessionId, ConnectionId: uint16(connectionId)}, nil
}

func closeDialed(connection net.Conn) {
	if err := connection.Close(); err != nil {
		logger.GetLogger().Warn(err)
	}
}

func (handler *DemonApiHandler) ListSessions() ListResponse {
	return handler.manager.ListSessions()
}

func (handler *DemonApiHandler) SessionInfo(request SessionRequest) (*SessionInfoResponse, error) {
	info, err := handler.manager.GetSessionInfo(iscsi_initiator.SessionID(request.SessionId))
	if err != nil {
		return nil, err
	}
	response := SessionInfoResponse(info)
	return &response, nil
}

func (handler *DemonApiHandler) ReleaseSession(request SessionRequest) {
	handler.manager.ReleaseSession(iscsi_initiator.SessionID(request.SessionId))
}

func (handler *DemonApiHandler) ReleaseConnection(request ConnectionRequest) {
	handler.manager.ReleaseConnection(iscsi_initiator.SessionID(request.SessionId), iscsi_initiator.ConnectionID(request.ConnectionId))
}

func (handler *DemonApiHandler) Activate(request ActivationRequest) (*ActivationResponse, error) {
	sessionId := iscsi_initiator.SessionID(request.SessionId)
	if request.ConnectionId == nil {
		changed, err := handler.manager.ActivateAllConnections(sessionId)
		return &ActivationResponse{Changed: changed}, err
	}
	err := handler.manager.ActivateConnection(sessionId, iscsi_initiator.ConnectionID(*request.ConnectionId))
	if err != nil {
		return nil, err
	}
	return &ActivationResponse{Changed: 1}, nil
}

func (handler *DemonApiHandler) Deactivate(request ActivationRequest) (*ActivationResponse, error) {
	sessionId := iscsi_initiator.SessionID(request.SessionId)
	if request.ConnectionId == nil {
		changed, err := handler.manager.DeactivateAllConnections(sessionId)
		return &ActivationResponse{Changed: changed}, err
	}
	err := handler.manager.DeactivateConnection(sessionId, iscsi_initiator.ConnectionID(*request.ConnectionId))
	if err != nil {
		return nil, err
	}
	return &ActivationResponse{Changed: 1}, nil
}

func (handler *DemonApiHandler) GetSessionParam(request GetSessionParamRequest) (*ParameterResponse, error) {
	parameter, ok := iscsi_initiator.ParseSessionParameter(request.Parameter)
	if !ok {
		return nil, ErrUnknownParameter{name: request.Parameter}
	}
	value, err := handler.manager.GetSessionParameter(iscsi_initiator.SessionID(request.SessionId), parameter)
	if err != nil {
		return nil, err
	}
	return &ParameterResponse{Parameter: parameter.String(), Value: value}, nil
}

func (handler *DemonApiHandler) SetSessionParam(request SetSessionParamRequest) error {
	parameter, ok := iscsi_initiator.ParseSessionParameter(request.Parameter)
	if !ok {
		return ErrUnknownParameter{name: request.Parameter}
	}
	return handler.manager.SetSessionParameter(iscsi_initiator.SessionID(request.SessionId), parameter, request.Value)
}

func (handler *DemonApiHandler) GetConnectionParam(request GetConnectionParamRequest) (*ParameterResponse, error) {
	parameter, ok := iscsi_initiator.ParseConnectionParameter(request.Parameter)
	if !ok {
		return nil, ErrUnknownParameter{name: request.Parameter}
	}
	value, err := handler.manager.GetConnectionParameter(
		iscsi_initiator.SessionID(request.SessionId), iscsi_initiator.ConnectionID(request.ConnectionId), parameter)
	if err != nil {
		return nil, err
	}
	return &ParameterResponse{Parameter: parameter.String(), Value: value}, nil
}

func (handler *DemonApiHandler) SetConnectionParam(request SetConnectionParamRequest) error {
	parameter, ok := iscsi_initiator.ParseConnectionParameter(request.Parameter)
	if !ok {
		return ErrUnknownParameter{name: request.Parameter}
	}
	return handler.manager.SetConnectionParameter(
		iscsi_initiator.SessionID(request.SessionId), iscsi_initiator.ConnectionID(request.ConnectionId), parameter, request.Value)
}

func decodeCommand[T any](request *Request) (*T, error) {
	command := new(T)
	if err := json.Unmarshal(request.Command, command); err != nil {
		return nil, err
	}
	return command, nil
}

func resultResponse(requestType string, result any) Response {
	data, err := json.Marshal(result)
	if err != nil {
		return ErrorResponse(err)
	}
	return Response{Type: requestType, Result: data}
}

func (handler *DemonApiHandler) HandleRequest(ctx context.Context, request *Request) Response {
	switch request.Type {
	case TypeList:
		return resultResponse(request.Type, handler.ListSessions())
	case TypeCreateSession:
		command, err := decodeCommand[CreateSessionRequest](request)
		if err != nil {
			return ErrorResponse(err)
		}
		result, err := handler.CreateSession(ctx, *command)
		if err != nil {
			return ErrorResponse(err)
		}
		return resultResponse(request.Type, result)
	case TypeCreateConnection:
		command, err := decodeCommand[CreateConnectionRequest](request)
		if err != nil {
			return ErrorResponse(err)
		}
		result, err := handler.CreateConnection(ctx, *command)
		if err != nil {
			return ErrorResponse(err)
		}
		return resultResponse(request.Type, result)
	case TypeSessionInfo:
		command, err := decodeCommand[SessionRequest](request)
		if err != nil {
			return ErrorResponse(err)
		}
		result, err := handler.SessionInfo(*command)
		if err != nil {
			return ErrorResponse(err)
		}
		return resultResponse(request.Type, result)
	case TypeReleaseSession:
		command, err := decodeCommand[SessionRequest](request)
		if err != nil {
			return ErrorResponse(err)
		}
		handler.ReleaseSession(*command)
		return emptyResponse()
	case TypeReleaseConnection:
		command, err := decodeCommand[ConnectionRequest](request)
		if err != nil {
			return ErrorResponse(err)
		}
		handler.ReleaseConnection(*command)
		return emptyResponse()
	case TypeActivate, TypeDeactivate:
		command, err := decodeCommand[ActivationRequest](request)
		if err != nil {
			return ErrorResponse(err)
		}
		var result *ActivationResponse
		if request.Type == TypeActivate {
			result, err = handler.Activate(*command)
		} else {
			result, err = handler.Deactivate(*command)
		}
		if err != nil {
			return ErrorResponse(err)
		}
		return resultResponse(request.Type, result)
	case TypeGetSessionParam:
		command, err := decodeCommand[GetSessionParamRequest](request)
		if err != nil {
			return ErrorResponse(err)
		}
		result, err := handler.GetSessionParam(*command)
		if err != nil {
			return ErrorResponse(err)
		}
		return resultResponse(request.Type, result)
	case TypeSetSessionParam:
		command, err := decodeCommand[SetSessionParamRequest](request)
		if err != nil {
			return ErrorResponse(err)
		}
		if err := handler.SetSessionParam(*command); err != nil {
			return ErrorResponse(err)
		}
		return emptyResponse()
	case TypeGetConnectionParam:
		command, err := decodeCommand[GetConnectionParamRequest](request)
		if err != nil {
			return ErrorResponse(err)
		}
		result, err := handler.GetConnectionParam(*command)
		if err != nil {
			return ErrorResponse(err)
		}
		return resultResponse(request.Type, result)
	case TypeSetConnectionParam:
		command, err := decodeCommand[SetConnectionParamRequest](request)
		if err != nil {
			return ErrorResponse(err)
		}
		if err := handler.SetConnectionParam(*command); err != nil {
			return ErrorResponse(err)
		}
		return emptyResponse()
	default:
		return ErrorResponse(ErrUnknownRequestType{requestType: request.Type})
	}
}

func emptyResponse() Response {
	return Response{Error: "", Result: json.RawMessage{'{', '}'}, Type: TypeEmptyResponse}
}

func ErrorResponse(err error) Response {
	return Response{Error: err.Error(), Result: json.RawMessage{'{', '}'}, Type: TypeEmptyResponse}
}
