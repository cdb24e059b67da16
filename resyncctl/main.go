package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/docopt/docopt-go"

	"statewire.com/resync"
)

const ResyncCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)

	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
}

func main() {
	usage := `Resync control.

Serve a demo master, or create, read, mutate, and watch resources on a
running master. The demo master registers the "counter" and "kv"
resource types.

Usage:
    resyncctl serve [--port=<port>]
    resyncctl create --url=<url> --type=<type> [--state=<state_json>]
    resyncctl get --url=<url> <rid>
    resyncctl emit --url=<url> <rid> <action_json>
    resyncctl watch --url=<url> <rid> [--count=<count>]

Options:
    -h --help              Show this screen.
    --version              Show version.
    --port=<port>          Listen port for serve [default: 8090].
    --url=<url>            Master websocket url, e.g. ws://localhost:8090
    --type=<type>          Resource type.
    --state=<state_json>   Initial state as json.
    --count=<count>        Print this many forward actions then exit.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], ResyncCtlVersion)
	if err != nil {
		panic(err)
	}

	if serve_, _ := opts.Bool("serve"); serve_ {
		serve(opts)
	} else if create_, _ := opts.Bool("create"); create_ {
		create(opts)
	} else if get_, _ := opts.Bool("get"); get_ {
		get(opts)
	} else if emit_, _ := opts.Bool("emit"); emit_ {
		emit(opts)
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	}
}

// counter: a number, actions inc, dec and add with an amount payload
func counterReducer(state any, action resync.Action) any {
	value, _ := state.(float64)
	switch action.Type {
	case resync.InitActionType:
		return float64(0)
	case "inc":
		return value + 1
	case "dec":
		return value - 1
	case "add":
		amount, _ := action.Payload.(float64)
		return value + amount
	default:
		return state
	}
}

// kv: a string map, actions set and del with key/value payloads
func kvReducer(state any, action resync.Action) any {
	values, ok := state.(map[string]any)
	if !ok {
		values = map[string]any{}
	}
	payload, _ := action.Payload.(map[string]any)
	switch action.Type {
	case "set":
		key, _ := payload["key"].(string)
		if key == "" {
			return values
		}
		next := map[string]any{}
		for k, v := range values {
			next[k] = v
		}
		next[key] = payload["value"]
		return next
	case "del":
		key, _ := payload["key"].(string)
		next := map[string]any{}
		for k, v := range values {
			if k != key {
				next[k] = v
			}
		}
		return next
	default:
		return values
	}
}

func serve(opts docopt.Opts) {
	port, _ := opts.String("--port")

	master := resync.NewMasterWithDefaults(context.Background())
	defer master.Close()
	master.RegisterReducer("counter", counterReducer)
	master.RegisterReducer("kv", kvReducer)

	Out.Printf("serving on :%s", port)
	if err := http.ListenAndServe(fmt.Sprintf(":%s", port), master); err != nil {
		Err.Fatal(err)
	}
}

func connectClient(opts docopt.Opts) *resync.MasterClient {
	url, _ := opts.String("--url")
	client := resync.NewMasterClient(context.Background(), resync.DefaultMasterClientSettings(url))
	if err := client.Connect(); err != nil {
		Err.Fatal(err)
	}
	return client
}

func create(opts docopt.Opts) {
	client := connectClient(opts)
	defer client.Close()

	resourceType, _ := opts.String("--type")
	var state any
	if stateJson, err := opts.String("--state"); err == nil && stateJson != "" {
		if err := json.Unmarshal([]byte(stateJson), &state); err != nil {
			Err.Fatal(err)
		}
	}

	created, err := client.ResourceConnection(resourceType).Create(state)
	if err != nil {
		Err.Fatal(err)
	}
	Out.Printf("%s", created.Rid)
	Out.Printf("%s %s", string(created.State), created.Checksum)
}

func get(opts docopt.Opts) {
	client := connectClient(opts)
	defer client.Close()

	ridStr, _ := opts.String("<rid>")
	rid := resync.RequireResourceIdentifier(ridStr)

	remoteState, err := client.ResourceConnection(rid.ResourceType).Get(rid)
	if err != nil {
		Err.Fatal(err)
	}
	Out.Printf("%s %s", string(remoteState.State), remoteState.Checksum)
}

func emit(opts docopt.Opts) {
	client := connectClient(opts)
	defer client.Close()

	ridStr, _ := opts.String("<rid>")
	rid := resync.RequireResourceIdentifier(ridStr)

	actionJson, _ := opts.String("<action_json>")
	var actionOrPair resync.ActionOrPair
	if err := json.Unmarshal([]byte(actionJson), &actionOrPair); err != nil {
		Err.Fatal(err)
	}

	val, err := client.ResourceConnection(rid.ResourceType).EmitAction(rid, actionOrPair)
	if err != nil {
		Err.Fatal(err)
	}
	Out.Printf("%s", string(val))
}

func watch(opts docopt.Opts) {
	client := connectClient(opts)
	defer client.Close()

	ridStr, _ := opts.String("<rid>")
	rid := resync.RequireResourceIdentifier(ridStr)

	count := -1
	if countStr, err := opts.String("--count"); err == nil && countStr != "" {
		count, err = strconv.Atoi(countStr)
		if err != nil {
			Err.Fatal(err)
		}
	}

	resourceConnection := client.ResourceConnection(rid.ResourceType)

	done := make(chan struct{})
	seen := 0
	unsub := resourceConnection.OnFwdAction(rid, func(event resync.FwdActionEvent) {
		actionJson, _ := json.Marshal(event.Action)
		Out.Printf("%s %s %s", event.Rid, string(actionJson), event.Checksum)
		seen += 1
		if seen == count {
			close(done)
		}
	})
	defer unsub()

	if err := resourceConnection.Subscribe(rid); err != nil {
		Err.Fatal(err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-done:
	case <-sig:
	}
}
