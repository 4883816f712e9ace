// Command nsk is a line client for the NetSketch whiteboard server.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

// replies that end one request/response exchange
var terminal = map[string]bool{
	"Command processed successfully.":                true,
	"Invalid command.":                               true,
	"Drawing not found.":                             true,
	"Server full: Maximum connection limit reached.": true,
	"NICKNAME_ACCEPTED":                              true,
	"NICKNAME_TAKEN":                                 true,
}

type globalOpts struct {
	addr    string
	nick    string
	timeout time.Duration
}

func main() {
	if err := rootCmd(os.Stdin, os.Stdout).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "nsk:", err)
		os.Exit(1)
	}
}

func rootCmd(in io.Reader, out io.Writer) *cobra.Command {
	g := &globalOpts{}
	root := &cobra.Command{
		Use:           "nsk",
		Short:         "NetSketch line client",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetIn(in)
	root.SetOut(out)
	pf := root.PersistentFlags()
	pf.StringVar(&g.addr, "addr", "localhost:6001", "server address")
	pf.StringVar(&g.nick, "nick", "", "nickname to claim after connecting")
	pf.DurationVar(&g.timeout, "timeout", 10*time.Second, "dial and reply timeout")

	root.AddCommand(
		shellCmd(g),
		sendCmd(g),
		drawCmd(g),
		modifyCmd(g),
		healthCmd(),
		versionCmd(),
	)
	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "nsk %s (%s)\n", version, buildDate)
		},
	}
}

// ---- line session ----

type lineConn struct {
	conn    net.Conn
	r       *bufio.Reader
	timeout time.Duration
}

func connect(g *globalOpts) (*lineConn, error) {
	conn, err := net.DialTimeout("tcp", g.addr, g.timeout)
	if err != nil {
		return nil, err
	}
	lc := &lineConn{conn: conn, r: bufio.NewReader(conn), timeout: g.timeout}
	if g.nick != "" {
		reply, err := lc.exchange("NICKNAME "+g.nick, io.Discard)
		if err != nil {
			_ = conn.Close()
			return nil, err
		}
		if reply != "NICKNAME_ACCEPTED" {
			_ = conn.Close()
			return nil, fmt.Errorf("nickname %q: %s", g.nick, reply)
		}
	}
	return lc, nil
}

func (lc *lineConn) Close() error { return lc.conn.Close() }

// exchange sends one line and copies every received line to out until a
// terminal reply arrives, which is returned without being copied.
func (lc *lineConn) exchange(line string, out io.Writer) (string, error) {
	_ = lc.conn.SetWriteDeadline(time.Now().Add(lc.timeout))
	if _, err := fmt.Fprintf(lc.conn, "%s\n", line); err != nil {
		return "", err
	}
	for {
		_ = lc.conn.SetReadDeadline(time.Now().Add(lc.timeout))
		s, err := lc.r.ReadString('\n')
		if err != nil {
			return "", err
		}
		s = strings.TrimRight(s, "\r\n")
		if terminal[s] {
			return s, nil
		}
		fmt.Fprintln(out, s)
	}
}

func sendLines(g *globalOpts, lines []string, out io.Writer) error {
	lc, err := connect(g)
	if err != nil {
		return err
	}
	defer lc.Close()

	failed := 0
	for _, l := range lines {
		reply, err := lc.exchange(l, out)
		if err != nil {
			return fmt.Errorf("%q: %w", l, err)
		}
		fmt.Fprintln(out, reply)
		if reply != "Command processed successfully." {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d lines rejected", failed, len(lines))
	}
	return nil
}

func sendCmd(g *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "send <line>...",
		Short: "Send protocol lines and print the replies",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return sendLines(g, args, cmd.OutOrStdout())
		},
	}
}

func shellCmd(g *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Interactive session: stdin lines go to the server, server lines go to stdout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			lc, err := connect(g)
			if err != nil {
				return err
			}
			defer lc.Close()
			return shell(lc.conn, lc.r, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}

// shell pumps lines both ways until stdin ends, the user types exit, or the server hangs up.
func shell(conn net.Conn, server io.Reader, in io.Reader, out io.Writer) error {
	recvDone := make(chan error, 1)
	go func() {
		_, err := io.Copy(out, server)
		recvDone <- err
	}()

	sc := bufio.NewScanner(in)
	for sc.Scan() {
		line := sc.Text()
		if _, err := fmt.Fprintf(conn, "%s\n", line); err != nil {
			return err
		}
		if strings.TrimSpace(line) == "exit" {
			break
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.CloseWrite()
	}
	select {
	case err := <-recvDone:
		if err != nil && !errors.Is(err, net.ErrClosed) {
			return err
		}
	case <-time.After(2 * time.Second):
	}
	return nil
}

func healthCmd() *cobra.Command {
	var addr, service string
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Query the server's gRPC health service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			st, err := checkHealth(ctx, addr, service)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), st)
			if st != healthpb.HealthCheckResponse_SERVING {
				return errors.New("not serving")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "grpc-addr", "localhost:6002", "gRPC health address")
	cmd.Flags().StringVar(&service, "service", "netsketch", "service name to check")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "request timeout")
	return cmd
}

func checkHealth(ctx context.Context, addr, service string, opts ...grpc.DialOption) (healthpb.HealthCheckResponse_ServingStatus, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	cc, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	defer cc.Close()
	resp, err := healthpb.NewHealthClient(cc).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}
