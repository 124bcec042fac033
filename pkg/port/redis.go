// Package port exposes a cache namespace over the Redis protocol. String entries map onto the
// Redis string commands; entries stored through the typed API under other types are visible to
// EXISTS / TTL / DEL / KEYS but fail GET with a type error, the same way Redis rejects a GET on
// a non-string key.

package port

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/redcon"

	"github.com/nobletooth/fig/pkg/blobstore"
	"github.com/nobletooth/fig/pkg/cache"
	"github.com/nobletooth/fig/pkg/codec"
	"github.com/nobletooth/fig/pkg/scan"
)

const RedisOk = "OK"

var address = flag.String("address", ":6380", "The ip:port to listen on for Redis protocol.")

// redisCommand represents a Redis command with its arguments.
type redisCommand struct {
	command string
	args    []string
}

// redisOutput conforms to a real Redis server output on non pub / sub commands.
type redisOutput struct {
	closeConnection bool     // Closes the connection if true.
	writeNil        bool     // Writes a nil value if true.
	err             *string  // Error to return if set.
	writeInt        *int     // Writes an integer value if set.
	writeArray      []string // Writes an array of bulk strings if set.
	writeString     string   // Writes a string value if set.
}

func closeRedisConnection(msg string) redisOutput {
	return redisOutput{writeString: msg, closeConnection: true}
}

func writeRedisNil() redisOutput {
	return redisOutput{writeNil: true}
}

func writeRedisInt(i int) redisOutput {
	return redisOutput{writeInt: &i}
}

func writeRedisString(s string) redisOutput {
	return redisOutput{writeString: s}
}

func writeRedisArray(values []string) redisOutput {
	if values == nil {
		values = []string{}
	}
	return redisOutput{writeArray: values}
}

func writeRedisError(err error) redisOutput {
	msg := "ERR " + err.Error()
	return redisOutput{err: &msg}
}

type redisHandler struct {
	manager *cache.Manager
}

// newRedisHandler creates a new redisHandler.
func newRedisHandler(manager *cache.Manager) (*redisHandler, error) {
	if manager == nil {
		return nil, errors.New("expected a non-nil cache manager")
	}
	return &redisHandler{manager: manager}, nil
}

// parseSetExpiry extracts an EX / PX option pair from SET arguments.
func parseSetExpiry(args []string) (time.Duration, error) {
	if len(args) == 0 {
		return 0, nil
	}
	if len(args) != 2 {
		return 0, errors.New("syntax error")
	}
	value, err := strconv.ParseInt(args[1], 10 /*base*/, 64 /*bitSize*/)
	if err != nil || value <= 0 {
		return 0, errors.New("invalid expire time in 'SET' command")
	}
	switch strings.ToUpper(args[0]) {
	case "EX":
		return time.Duration(value) * time.Second, nil
	case "PX":
		return time.Duration(value) * time.Millisecond, nil
	default:
		return 0, errors.New("syntax error")
	}
}

func (rh *redisHandler) handle(ctx context.Context, cmd redisCommand) redisOutput {
	switch strings.ToUpper(cmd.command) {
	case "PING":
		return writeRedisString("PONG")
	case "QUIT":
		return closeRedisConnection(RedisOk)
	case "SET":
		if len(cmd.args) < 2 {
			return writeRedisError(errors.New("wrong number of arguments for 'SET' command"))
		}
		key, value := cmd.args[0], cmd.args[1]
		ttl, err := parseSetExpiry(cmd.args[2:])
		if err != nil {
			return writeRedisError(err)
		}
		if err := rh.manager.Insert(ctx, key, value, ttl); err != nil {
			return writeRedisError(err)
		}
		return writeRedisString(RedisOk)
	case "GET":
		if len(cmd.args) != 1 {
			return writeRedisError(errors.New("wrong number of arguments for 'GET' command"))
		}
		value, err := cache.Get[string](ctx, rh.manager, cmd.args[0])
		if errors.Is(err, blobstore.ErrKeyNotFound) {
			return writeRedisNil()
		} else if errors.Is(err, codec.ErrSchemaMismatch) {
			return writeRedisError(errors.New("WRONGTYPE key holds a non-string value"))
		} else if err != nil {
			return writeRedisError(err)
		}
		return writeRedisString(value)
	case "DEL":
		if len(cmd.args) < 1 {
			return writeRedisError(errors.New("wrong number of arguments for 'DEL' command"))
		}
		deletedCount := 0
		for _, key := range cmd.args {
			found, err := rh.manager.Contains(ctx, key)
			if err != nil || !found {
				continue
			}
			if err := rh.manager.Invalidate(ctx, key); err == nil {
				deletedCount++
			}
		}
		return writeRedisInt(deletedCount)
	case "EXISTS":
		if len(cmd.args) < 1 {
			return writeRedisError(errors.New("wrong number of arguments for 'EXISTS' command"))
		}
		existsCount := 0
		for _, key := range cmd.args {
			if found, err := rh.manager.Contains(ctx, key); err == nil && found {
				existsCount++
			}
		}
		return writeRedisInt(existsCount)
	case "TTL":
		if len(cmd.args) != 1 {
			return writeRedisError(errors.New("wrong number of arguments for 'TTL' command"))
		}
		remaining, hasExpiry, err := rh.manager.TTL(ctx, cmd.args[0])
		if errors.Is(err, blobstore.ErrKeyNotFound) {
			return writeRedisInt(-2) // Redis convention for a missing key.
		} else if err != nil {
			return writeRedisError(err)
		}
		if !hasExpiry {
			return writeRedisInt(-1) // Redis convention for a key with no expiry.
		}
		return writeRedisInt(int(remaining.Round(time.Second) / time.Second))
	case "KEYS":
		if len(cmd.args) != 1 {
			return writeRedisError(errors.New("wrong number of arguments for 'KEYS' command"))
		}
		keys, err := rh.manager.Keys(ctx, "" /*prefix*/)
		if err != nil {
			return writeRedisError(err)
		}
		matched := slices.Collect(scan.MatchGlob(cmd.args[0], slices.Values(keys)))
		return writeRedisArray(matched)
	default:
		return writeRedisError(fmt.Errorf("unknown command '%s'", cmd.command))
	}
}

// writeOutput applies a redisOutput to the connection.
func writeOutput(conn redcon.Conn, output redisOutput) {
	switch {
	case output.closeConnection:
		conn.WriteString(output.writeString)
		if err := conn.Close(); err != nil {
			slog.Error("failed to close connection", "error", err)
		}
	case output.err != nil:
		conn.WriteError(*output.err)
	case output.writeNil:
		conn.WriteNull()
	case output.writeInt != nil:
		conn.WriteInt(*output.writeInt)
	case output.writeArray != nil:
		conn.WriteArray(len(output.writeArray))
		for _, value := range output.writeArray {
			conn.WriteBulkString(value)
		}
	default:
		conn.WriteString(output.writeString)
	}
}

// RunRedisServer starts a Redis protocol server over the provided cache namespace and serves
// until the context is cancelled. The manager is closed on shutdown.
func RunRedisServer(ctx context.Context, manager *cache.Manager) error {
	if *address == "" {
		return errors.New("expected a non-empty --address flag")
	}

	redisHandler, err := newRedisHandler(manager)
	if err != nil {
		return fmt.Errorf("failed to create a new redis handler: %w", err)
	}

	redisServer := redcon.NewServerNetwork("tcp" /*net*/, *address,
		/*handler*/ func(conn redcon.Conn, cmd redcon.Command) {
			// Convert redcon.Command to redisCommand.
			command := redisCommand{command: string(cmd.Args[0]), args: make([]string, len(cmd.Args)-1)}
			for i := 1; i < len(cmd.Args); i++ {
				command.args[i-1] = string(cmd.Args[i])
			}
			writeOutput(conn, redisHandler.handle(ctx, command))
		},
		/*accept*/ func(conn redcon.Conn) bool {
			return true // Accept all connections.
		},
		/*close*/ func(conn redcon.Conn, err error) {
		})

	serverErrSignal := make(chan error, 1)
	go func() {
		if err := redisServer.ListenAndServe(); err != nil {
			serverErrSignal <- err
		}
		close(serverErrSignal)
	}()

	select {
	case <-ctx.Done():
		serverErr := redisServer.Close()
		managerErr := manager.Close()
		if exitErr := errors.Join(serverErr, managerErr); exitErr != nil {
			return fmt.Errorf("failed to close fig: %w", exitErr)
		}
	case err := <-serverErrSignal:
		return fmt.Errorf("redis server stopped unexpectedly: %w", err)
	}

	return nil // Exited with no errors.
}
