// Copyright 2026 lxcup authors
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"strconv"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"lxcup/internal/command"
	"lxcup/internal/constants"
)

// SSHRunner executes command lines on a remote node over SSH. The dial
// timeout is deliberately short so an unreachable node fails fast instead
// of stalling the whole run; the command itself may still run for minutes.
type SSHRunner struct {
	Addr    string
	User    string
	KeyPath string
}

// NewSSHRunner returns a runner dialing addr:22 as user. keyPath names a
// private key file; when empty, only the SSH agent is consulted.
func NewSSHRunner(addr, user, keyPath string) *SSHRunner {
	return &SSHRunner{Addr: addr, User: user, KeyPath: keyPath}
}

// Run dials the node, executes cmdline in a session, and returns its output
// and exit status. Transport failures come back as errors.
func (s *SSHRunner) Run(ctx context.Context, cmdline string) (command.Result, error) {
	client, err := s.connect()
	if err != nil {
		return command.Result{}, err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return command.Result{}, fmt.Errorf("opening SSH session to %s: %w", s.Addr, err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(cmdline) }()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return command.Result{Stdout: stdout.String(), Stderr: stderr.String()},
			fmt.Errorf("command on %s cancelled: %w", s.Addr, ctx.Err())
	case err = <-done:
	}

	res := command.Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		exitErr, ok := err.(*ssh.ExitError)
		if !ok {
			return res, fmt.Errorf("running command on %s: %w", s.Addr, err)
		}
		res.ExitCode = exitErr.ExitStatus()
	}
	return res, nil
}

func (s *SSHRunner) connect() (*ssh.Client, error) {
	cfg := &ssh.ClientConfig{
		User: s.User,
		Auth: s.authMethods(),
		// Cluster nodes already trust each other; host keys are not
		// re-verified here.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         constants.SSHDialTimeout,
	}

	addr := net.JoinHostPort(s.Addr, strconv.Itoa(constants.DefaultSSHPort))
	conn, err := net.DialTimeout("tcp", addr, constants.SSHDialTimeout)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("SSH handshake with %s: %w", addr, err)
	}
	return ssh.NewClient(c, chans, reqs), nil
}

// authMethods collects the usable authentication methods: the configured
// private key file, then the SSH agent if one is reachable.
func (s *SSHRunner) authMethods() []ssh.AuthMethod {
	var methods []ssh.AuthMethod

	if s.KeyPath != "" {
		if key, err := os.ReadFile(s.KeyPath); err == nil {
			if signer, err := ssh.ParsePrivateKey(key); err == nil {
				methods = append(methods, ssh.PublicKeys(signer))
			}
		}
	}

	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		if conn, err := net.Dial("unix", sock); err == nil {
			methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
		}
	}

	return methods
}
