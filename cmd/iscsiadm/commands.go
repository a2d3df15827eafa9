// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package main

import (
	"context"
	"fmt"
	"iscsiinitiator/pkg/api"
	"iscsiinitiator/pkg/config"
	"iscsiinitiator/pkg/iscsi_initiator"
	"net"
	"strconv"

	"github.com/spf13/cobra"
)

type client struct {
	socketPath string
	configFile string
}

func (client *client) requester() api.ClientRequester {
	return api.NewApiRequester(client.socketPath)
}

func parseId(name, value string) (uint16, error) {
	id, err := strconv.ParseUint(value, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer in [0, 65535], '%s' received", name, value)
	}
	return uint16(id), nil
}

func parseIds(args []string) (sessionId uint16, connectionId *uint16, err error) {
	sessionId, err = parseId("session id", args[0])
	if err != nil || len(args) < 2 {
		return sessionId, nil, err
	}
	id, err := parseId("connection id", args[1])
	if err != nil {
		return 0, nil, err
	}
	return sessionId, &id, nil
}

func parsePortal(address, hostInterface string) (iscsi_initiator.Portal, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return iscsi_initiator.Portal{}, err
	}
	return iscsi_initiator.Portal{Address: host, Port: port, HostInterface: hostInterface}, nil
}

func newRootCommand() *cobra.Command {
	client := &client{}
	root := &cobra.Command{
		Use:           "iscsiadm",
		Short:         "a tool to communicate with the iscsid initiator daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&client.socketPath, "socket", "s", api.DefaultSocketPath, "Control socket of the daemon")
	root.PersistentFlags().StringVarP(&client.configFile, "config", "c", "", "Daemon configuration file (socket options for probe)")
	root.AddCommand(
		client.listCommand(),
		client.infoCommand(),
		client.createSessionCommand(),
		client.createConnectionCommand(),
		client.releaseCommand(),
		client.activationCommand("activate", "Activate one connection or all connections of a session."),
		client.activationCommand("deactivate", "Deactivate one connection or all connections of a session."),
		client.getParamCommand(),
		client.setParamCommand(),
		client.probeCommand(),
	)
	return root
}

func (client *client) listCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all sessions with their connections",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			response, err := client.requester().PerformList()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), response.ToCmdlineOutput())
			return nil
		},
	}
}

func (client *client) infoCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "info SESSION_ID",
		Short: "Show negotiated parameters and sequence numbers of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sessionId, err := parseId("session id", args[0])
			if err != nil {
				return err
			}
			response, err := client.requester().PerformSessionInfo(sessionId)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), response.ToCmdlineOutput())
			return nil
		},
	}
}

func (client *client) createSessionCommand() *cobra.Command {
	var hostInterface string
	command := &cobra.Command{
		Use:   "create-session TARGET_NAME HOST:PORT",
		Short: "Connect to a target portal and register the socket as a new session",
		Long: "Connect to a target portal and register the socket as a new session. " +
			"The daemon dials with its own socket options; login is left to the caller.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			portal, err := parsePortal(args[1], hostInterface)
			if err != nil {
				return err
			}
			response, err := client.requester().PerformCreateSession(args[0], portal)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), response.ToCmdlineOutput())
			return nil
		},
	}
	command.Flags().StringVarP(&hostInterface, "interface", "i", "", "Bind the socket to this network interface")
	return command
}

func (client *client) createConnectionCommand() *cobra.Command {
	var hostInterface string
	command := &cobra.Command{
		Use:   "create-connection SESSION_ID HOST:PORT",
		Short: "Connect to a target portal and add the socket to a session",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sessionId, err := parseId("session id", args[0])
			if err != nil {
				return err
			}
			portal, err := parsePortal(args[1], hostInterface)
			if err != nil {
				return err
			}
			response, err := client.requester().PerformCreateConnection(sessionId, portal)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), response.ToCmdlineOutput())
			return nil
		},
	}
	command.Flags().StringVarP(&hostInterface, "interface", "i", "", "Bind the socket to this network interface")
	return command
}

func (client *client) releaseCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "release SESSION_ID [CONNECTION_ID]",
		Short: "Release a session or one of its connections",
		Long: "Release a session or one of its connections. " +
			"Releasing the last connection of a session releases the session.",
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sessionId, connectionId, err := parseIds(args)
			if err != nil {
				return err
			}
			if connectionId == nil {
				return client.requester().PerformReleaseSession(sessionId)
			}
			return client.requester().PerformReleaseConnection(sessionId, *connectionId)
		},
	}
}

func (client *client) activationCommand(name, description string) *cobra.Command {
	return &cobra.Command{
		Use:   name + " SESSION_ID [CONNECTION_ID]",
		Short: description,
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sessionId, connectionId, err := parseIds(args)
			if err != nil {
				return err
			}
			requester := client.requester()
			var response *api.ActivationResponse
			if name == "activate" {
				response, err = requester.PerformActivate(sessionId, connectionId)
			} else {
				response, err = requester.PerformDeactivate(sessionId, connectionId)
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), response.ToCmdlineOutput())
			return nil
		},
	}
}

func (client *client) getParamCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get-param PARAMETER SESSION_ID [CONNECTION_ID]",
		Short: "Read a session parameter, or a connection parameter when CONNECTION_ID is given",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			sessionId, connectionId, err := parseIds(args[1:])
			if err != nil {
				return err
			}
			var response *api.ParameterResponse
			if connectionId == nil {
				response, err = client.requester().PerformGetSessionParam(sessionId, args[0])
			} else {
				response, err = client.requester().PerformGetConnectionParam(sessionId, *connectionId, args[0])
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), response.ToCmdlineOutput())
			return nil
		},
	}
}

func (client *client) setParamCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "set-param PARAMETER VALUE SESSION_ID [CONNECTION_ID]",
		Short: "Change a session parameter, or a connection parameter when CONNECTION_ID is given",
		Args:  cobra.RangeArgs(3, 4),
		RunE: func(cmd *cobra.Command, args []string) error {
			value, err := strconv.ParseUint(args[1], 0, 32)
			if err != nil {
				return fmt.Errorf("value must be an unsigned 32-bit integer, '%s' received", args[1])
			}
			sessionId, connectionId, err := parseIds(args[2:])
			if err != nil {
				return err
			}
			if connectionId == nil {
				return client.requester().PerformSetSessionParam(sessionId, args[0], uint32(value))
			}
			return client.requester().PerformSetConnectionParam(sessionId, *connectionId, args[0], uint32(value))
		},
	}
}

func (client *client) probeCommand() *cobra.Command {
	var hostInterface string
	command := &cobra.Command{
		Use:   "probe HOST:PORT",
		Short: "Check that a target portal accepts TCP connections with the daemon socket options",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			portal, err := parsePortal(args[0], hostInterface)
			if err != nil {
				return err
			}
			cfg, err := config.Load(client.configFile)
			if err != nil {
				return err
			}
			connection, err := iscsi_initiator.DialPortal(context.Background(), portal, cfg.Socket.Options())
			if err != nil {
				return err
			}
			defer connection.Close()
			fmt.Fprintf(cmd.OutOrStdout(), "Connected to %s from %s\n", connection.RemoteAddr(), connection.LocalAddr())
			return nil
		},
	}
	command.Flags().StringVarP(&hostInterface, "interface", "i", "", "Bind the socket to this network interface")
	return command
}
