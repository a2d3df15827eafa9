// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"iscsiinitiator/pkg/iscsi_initiator"
	"iscsiinitiator/pkg/logger"
	"net"
	"os"
	"strings"
)

const DefaultSocketPath = "/tmp/iscsid.sock"

type DemonApiServer struct {
	handler       *DemonApiHandler
	socketAddress string
}

func NewApiServer(manager *iscsi_initiator.SessionManager, socketPath string) *DemonApiServer {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	return &DemonApiServer{
		handler:       NewDemonApiHandler(manager, iscsi_initiator.DefaultSocketOptions()),
		socketAddress: socketPath,
	}
}

// WithSocketOptions sets the options used for sockets dialed on create requests.
func (server *DemonApiServer) WithSocketOptions(options iscsi_initiator.SocketOptions) *DemonApiServer {
	server.handler.socketOptions = options
	return server
}

func (server *DemonApiServer) HandleConnection(ctx context.Context, connection net.Conn) {
	log := logger.GetLogger()
	defer func() {
		err := connection.Close()
		if err != nil {
			log.Warn(err)
		}
	}()
	reader := bufio.NewReader(connection)
	delimiter := byte('\n')
	requestBytes, err := reader.ReadBytes(delimiter)
	if err != nil {
		log.Warn(err)
		return
	}
	request, err := ParseRequest(requestBytes[:len(requestBytes)-1])
	if err != nil {
		log.Warn(err)
		server.sendResponse(connection, ErrorResponse(err), delimiter)
		return
	}
	log.Debugf("api request %s", request.Type)
	response := server.handler.HandleRequest(ctx, request)
	server.sendResponse(connection, response, delimiter)
}

func (server *DemonApiServer) sendResponse(connection net.Conn, response Response, delimiter byte) {
	log := logger.GetLogger()
	response.Error = strings.Replace(response.Error, "\n", `\n`, -1)
	result, err := json.Marshal(response)
	if err != nil {
		log.Error(err)
		return
	}
	_, err = connection.Write(append(result, delimiter))
	if err != nil {
		log.Warn(err)
	}
}

// Run serves the unix socket until ctx is done.
func (server *DemonApiServer) Run(ctx context.Context) error {
	log := logger.GetLogger()
	if err := os.RemoveAll(server.socketAddress); err != nil {
		return err
	}
	listener, err := net.Listen("unix", server.socketAddress)
	if err != nil {
		return err
	}
	log.Infof("control api listening on %s", server.socketAddress)
	go func() {
		<-ctx.Done()
		if err := listener.Close(); err != nil {
			log.Warnf("close error: %v", err)
		}
	}()
	for {
		connection, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) && ctx.Err() != nil {
				return nil
			}
			return err
		}
		go server.HandleConnection(ctx, connection)
	}
}
