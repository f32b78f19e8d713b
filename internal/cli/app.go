// Package cli implements phictl, the operator command line. File commands
// run locally with the file key; the remaining commands call the server's
// operations service.
package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/justincihi/cognisync/internal/common"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	gs "github.com/justincihi/cognisync/internal/server/grpc"
)

// TokenEnv is read when --token is not given.
const TokenEnv = "COGNISYNC_TOKEN"

// Dialer opens a connection to the server.
type Dialer func(ctx context.Context, addr string) (grpc.ClientConnInterface, io.Closer, error)

func dialInsecure(_ context.Context, addr string) (grpc.ClientConnInterface, io.Closer, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, nil, err
	}
	return conn, conn, nil
}

type App struct {
	in   *bufio.Reader
	dial Dialer

	addr  string
	token string
}

func NewApp(in io.Reader, dial Dialer) *App {
	if dial == nil {
		dial = dialInsecure
	}
	return &App{in: bufio.NewReader(in), dial: dial}
}

// NewRootCommand builds the phictl command tree.
func (a *App) NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "phictl",
		Short:         "CogniSync PHI protection operator tool",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&a.addr, "addr", "localhost:50051", "server gRPC address")
	root.PersistentFlags().StringVar(&a.token, "token", "", "session token (default $"+TokenEnv+")")

	root.AddCommand(
		a.newKeygenCommand(),
		a.newEncryptCommand(),
		a.newDecryptCommand(),
		a.newShredCommand(),
		a.newHashCommand(),
		a.newLoginCommand(),
		a.newRetentionCommand(),
		a.newSessionsCommand(),
		a.newAuditCommand(),
	)
	return root
}

// Execute runs phictl with os.Args and returns the process exit code.
func Execute(ctx context.Context) int {
	cmd := NewApp(os.Stdin, nil).NewRootCommand()
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	return 0
}

// withClient dials the server and runs fn with an authenticated context.
func (a *App) withClient(cmd *cobra.Command, fn func(ctx context.Context, c *gs.Client) error) error {
	ctx := cmd.Context()
	token := a.token
	if token == "" {
		token = os.Getenv(TokenEnv)
	}
	if token != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, common.AccessTokenHeaderName, token)
	}

	cc, closer, err := a.dial(ctx, a.addr)
	if err != nil {
		return fmt.Errorf("connect %s: %w", a.addr, err)
	}
	defer closer.Close()
	return fn(ctx, gs.NewClient(cc))
}

func printMessage(w io.Writer, m proto.Message) error {
	b, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(m)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}
