// aurctl is a small command line client for the aurad web API.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
)

var (
	host = flag.String("host", "127.0.0.1:8080", "aurad web address")
)

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: aurctl [-host addr] <command> [args]

Commands:
  status                      show daemon status
  devices                     list audio devices
  meters                      show channel meters and fault counts
  events [category]           show recent events
  mute <side> <ch> <on|off>   mute or unmute a channel
  tone <side> <ch> <on|off>   switch the test tone
  gain <side> <ch> <value>    set a channel gain
  fader <ch> <position>       move a virtual surface fader
`)
	os.Exit(2)
}

func get(path string) (map[string]interface{}, error) {
	resp, err := http.Get("http://" + *host + path)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return decode(resp.Body)
}

func post(path string, body interface{}) (map[string]interface{}, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	resp, err := http.Post("http://"+*host+path, "application/json", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return decode(resp.Body)
}

func decode(r io.Reader) (map[string]interface{}, error) {
	var out map[string]interface{}
	if err := json.NewDecoder(r).Decode(&out); err != nil {
		return nil, err
	}
	if ok, _ := out["success"].(bool); !ok {
		msg, _ := out["error"].(string)
		return out, fmt.Errorf("request failed: %s", msg)
	}
	return out, nil
}

func dump(v interface{}) {
	data, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(data))
}

func main() {
	flag.Usage = usage
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		usage()
	}

	var out map[string]interface{}
	var err error

	switch args[0] {
	case "status":
		out, err = get("/api/v1/status")

	case "devices":
		out, err = get("/api/v1/devices")

	case "meters":
		out, err = get("/api/v1/audio")

	case "events":
		path := "/api/v1/events"
		if len(args) > 1 {
			path += "?category=" + args[1]
		}
		out, err = get(path)

	case "mute", "tone":
		if len(args) != 4 {
			usage()
		}
		ch, cerr := strconv.Atoi(args[2])
		if cerr != nil {
			usage()
		}
		out, err = post("/api/v1/audio/flags", map[string]interface{}{
			"channel": ch,
			"side":    args[1],
			"flag":    args[0],
			"enable":  args[3] == "on",
		})

	case "gain":
		if len(args) != 4 {
			usage()
		}
		ch, cerr := strconv.Atoi(args[2])
		gain, gerr := strconv.ParseFloat(args[3], 64)
		if cerr != nil || gerr != nil {
			usage()
		}
		out, err = post("/api/v1/audio/gain", map[string]interface{}{
			"channel": ch,
			"side":    args[1],
			"gain":    gain,
		})

	case "fader":
		if len(args) != 3 {
			usage()
		}
		ch, cerr := strconv.Atoi(args[1])
		pos, perr := strconv.Atoi(args[2])
		if cerr != nil || perr != nil {
			usage()
		}
		out, err = post("/api/v1/surface/fader", map[string]interface{}{
			"channel":  ch,
			"position": pos,
		})

	default:
		usage()
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "aurctl: %v\n", err)
		os.Exit(1)
	}
	dump(out["data"])
}
