package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/golang/glog"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/bringyour/crdtsync/connect"
	"github.com/bringyour/crdtsync/crdt"
	"github.com/bringyour/crdtsync/mirror"
	"github.com/bringyour/crdtsync/relay"
	"github.com/bringyour/crdtsync/storage"
)

const SyncCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Sync control.

Values are read and printed in the given shape:
    string, int, float, bool, bytes (base64), json

Usage:
    syncctl serve [--addr=<addr>] [--data_dir=<data_dir> | --redis_url=<redis_url>]
        [--allow_client_snapshots]
        [--auth_token=<auth_token>]
    syncctl watch --url=<url> --room=<room> [--token=<token>] [--shape=<shape>]
        [--data_dir=<data_dir>]
        <keys>...
    syncctl set --url=<url> --room=<room> [--token=<token>] [--shape=<shape>]
        <key> <value>

Options:
    -h --help                      Show this screen.
    --version                      Show version.
    --addr=<addr>                  Relay listen address [default: :8080].
    --data_dir=<data_dir>          Badger directory for snapshots.
    --redis_url=<redis_url>        Redis url for room snapshots.
    --allow_client_snapshots       Let clients seed empty rooms.
    --auth_token=<auth_token>      Shared token required to connect.
    --url=<url>                    Relay websocket url.
    --room=<room>                  Room id.
    --token=<token>                Connection token.
    --shape=<shape>                Value shape [default: string].`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], SyncCtlVersion)
	if err != nil {
		panic(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if serve_, _ := opts.Bool("serve"); serve_ {
		err = serve(ctx, opts)
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		err = watch(ctx, opts)
	} else if set_, _ := opts.Bool("set"); set_ {
		err = set(ctx, opts)
	}
	glog.Flush()
	if err != nil {
		Err.Printf("%s", err)
		os.Exit(1)
	}
}

func openRoomStorage(opts docopt.Opts) (storage.RoomStorage, func() error, error) {
	if dataDir, err := opts.String("--data_dir"); err == nil && dataDir != "" {
		store, err := storage.OpenBadgerStore(storage.DefaultBadgerSettings(dataDir))
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	}
	if redisUrl, err := opts.String("--redis_url"); err == nil && redisUrl != "" {
		store, err := storage.NewRedisStore(redisUrl)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	}
	return nil, func() error { return nil }, nil
}

func serve(ctx context.Context, opts docopt.Opts) error {
	addr, _ := opts.String("--addr")
	allowClientSnapshots, _ := opts.Bool("--allow_client_snapshots")
	authToken, _ := opts.String("--auth_token")

	rooms, closeRooms, err := openRoomStorage(opts)
	if err != nil {
		return err
	}
	defer closeRooms()

	settings := relay.DefaultServerSettings()
	settings.AllowClientSnapshots = allowClientSnapshots
	settings.AuthToken = authToken
	relayServer := relay.NewServer(ctx, rooms, settings)
	defer relayServer.Close()

	httpServer := &http.Server{
		Addr:    addr,
		Handler: relayServer,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	Out.Printf("relay listening on %s\n", addr)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type values map[string]any

func bindings(keys []string, shape crdt.Shape) []*mirror.Binding[values] {
	bindings := []*mirror.Binding[values]{}
	for _, key := range keys {
		bindings = append(bindings, &mirror.Binding[values]{
			Key:   key,
			Shape: shape,
			Select: func(state values) any {
				return state[key]
			},
			Apply: func(value any, set mirror.Setter[values]) {
				set(func(state values) values {
					next := maps.Clone(state)
					next[key] = value
					return next
				})
			},
		})
	}
	return bindings
}

func parseShape(opts docopt.Opts) (crdt.Shape, error) {
	shapeName, _ := opts.String("--shape")
	return crdt.ParseShape(shapeName)
}

func newConnector(opts docopt.Opts) *connect.Connector {
	url, _ := opts.String("--url")
	room, _ := opts.String("--room")
	token, _ := opts.String("--token")

	settings := connect.DefaultConnectorSettings(url, room)
	settings.Token = token
	settings.OnStatus = func(status connect.Status) {
		glog.V(1).Infof("[c]%s\n", status)
	}
	return connect.NewConnector(settings)
}

// mirror keys of a room and print every change
func watch(ctx context.Context, opts docopt.Opts) error {
	keys, _ := opts["<keys>"].([]string)
	room, _ := opts.String("--room")
	shape, err := parseShape(opts)
	if err != nil {
		return err
	}

	store := mirror.NewStore(values{})
	settings := mirror.DefaultControllerSettings[values]()
	settings.Bindings = bindings(keys, shape)
	settings.Sync = newConnector(opts)
	settings.OnError = func(err error) {
		Err.Printf("%s", err)
	}
	if dataDir, _ := opts.String("--data_dir"); dataDir != "" {
		snapshots, err := storage.OpenBadgerStore(storage.DefaultBadgerSettings(dataDir))
		if err != nil {
			return err
		}
		defer snapshots.Close()
		settings.Storage = snapshots.Room(room)
	}

	controller, err := mirror.NewController(store, settings)
	if err != nil {
		return err
	}

	printed := values{}
	printChanges := func(state values) {
		sortedKeys := maps.Keys(state)
		slices.Sort(sortedKeys)
		for _, key := range sortedKeys {
			value := state[key]
			if previous, ok := printed[key]; ok && fmt.Sprint(previous) == fmt.Sprint(value) {
				continue
			}
			printed[key] = value
			Out.Printf("%s=%v\n", key, value)
		}
	}
	unsubscribe := store.Subscribe(func(state values, tags []string) {
		printChanges(state)
	})
	defer unsubscribe()

	if err := controller.Initialize(ctx); err != nil {
		return err
	}
	printChanges(store.Get())

	<-ctx.Done()
	return controller.Destroy(context.Background())
}

// set one key in a room once the room state is in place
func set(ctx context.Context, opts docopt.Opts) error {
	key, _ := opts.String("<key>")
	valueText, _ := opts.String("<value>")
	shape, err := parseShape(opts)
	if err != nil {
		return err
	}
	value, err := shape.Parse(valueText)
	if err != nil {
		return fmt.Errorf("%s value %s: %w", shape, valueText, err)
	}

	connector := newConnector(opts)
	store := mirror.NewStore(values{})
	settings := mirror.DefaultControllerSettings[values]()
	settings.Bindings = bindings([]string{key}, shape)
	settings.Sync = connector
	controller, err := mirror.NewController(store, settings)
	if err != nil {
		return err
	}
	if err := controller.Initialize(ctx); err != nil {
		return err
	}
	defer controller.Destroy(context.Background())

	syncCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := waitFor(syncCtx, connector.Synced); err != nil {
		return fmt.Errorf("room not synced: %w", err)
	}

	store.Update(func(state values) values {
		next := maps.Clone(state)
		next[key] = value
		return next
	})

	if err := waitFor(syncCtx, func() bool {
		return connector.Pending() == 0
	}); err != nil {
		return fmt.Errorf("update not sent: %w", err)
	}
	Out.Printf("%s=%v\n", key, value)
	return nil
}

func waitFor(ctx context.Context, condition func() bool) error {
	for !condition() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
	return nil
}
