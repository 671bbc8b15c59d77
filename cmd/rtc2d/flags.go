package main

import (
	"fmt"

	"github.com/fatih/color"
	flag "github.com/spf13/pflag"
)

var (
	flagRole          string
	flagSignalingAddr string
	flagRoom          string
	flagLocalAddr     string
	flagSTUNAddress   string
	flagRelayAddress  string
	flagRelayUser     string
	flagRelayPass     string
	flagUsername      string
	flagPassword      string
	flagVideoSSRC     uint32
	flagAudioSSRC     uint32
	flagHelp          bool
	flagVersion       bool
)

func init() {
	flag.StringVarP(&flagRole, "role", "r", "host", "Connection role: host or viewer")
	flag.StringVarP(&flagSignalingAddr, "signaling-addr", "a", "127.0.0.1:8000", "Rendezvous signaling server address")
	flag.StringVarP(&flagRoom, "room", "m", "default", "Signaling room id shared by both peers")
	flag.StringVarP(&flagLocalAddr, "local-addr", "l", "0.0.0.0:0", "Local UDP address to bind")
	flag.StringVarP(&flagSTUNAddress, "stun-address", "s", "", "STUN server address for server-reflexive gathering")
	flag.StringVarP(&flagRelayAddress, "relay-address", "", "", "TURN-compatible relay server address")
	flag.StringVarP(&flagRelayUser, "relay-username", "", "", "Relay server username")
	flag.StringVarP(&flagRelayPass, "relay-password", "", "", "Relay server password")
	flag.StringVarP(&flagUsername, "username", "u", "rtc2", "Shared STUN short-term credential username")
	flag.StringVarP(&flagPassword, "password", "p", "rtc2", "Shared STUN short-term credential password")
	flag.Uint32VarP(&flagVideoSSRC, "video-ssrc", "", 1, "SSRC used for the video stream")
	flag.Uint32VarP(&flagAudioSSRC, "audio-ssrc", "", 2, "SSRC used for the audio stream")

	flag.BoolVarP(&flagHelp, "help", "h", false, "Print usage information and exit")
	flag.BoolVarP(&flagVersion, "version", "v", false, "Print version information and exit")
}

const helpString = `Peer-to-peer low-latency media and input transport

Usage: rtc2d [OPTION]...

Role:
  -r, --role=ROLE            host or viewer (default: host)

Signaling:
  -a, --signaling-addr=ADDR  Rendezvous signaling server address (default: 127.0.0.1:8000)
  -m, --room=ID              Signaling room id shared by both peers (default: "default")

Network:
  -l, --local-addr=ADDR      Local UDP address to bind (default: 0.0.0.0:0)
  -s, --stun-address=ADDR    STUN server address
      --relay-address=ADDR   TURN-compatible relay server address
      --relay-username=USER  Relay server username
      --relay-password=PASS  Relay server password
  -u, --username=USER        Shared STUN short-term credential username (default: rtc2)
  -p, --password=PASS        Shared STUN short-term credential password (default: rtc2)

Streams:
      --video-ssrc=NUM       SSRC used for the video stream (default: 1)
      --audio-ssrc=NUM       SSRC used for the audio stream (default: 2)

Miscellaneous:
  -h, --help                 Prints this help message and exits
  -v, --version              Prints version information and exits
`

func help() {
	r := color.New(color.FgRed)
	y := color.New(color.FgYellow)
	b := color.New(color.FgCyan)

	//  _ __ ___  | |_  ___ ___  ____
	// | '__/ __| | __|/ __||__ \|  _ \
	// | | | (__  | |_| (__  __) | | | |
	// |_|  \___|  \__|\___||____/|_| |_|

	r.Printf(" _ __ ___  ")
	y.Printf("| |_  ___ ")
	b.Println("___  ____")
	r.Printf("| '__/ __| ")
	y.Printf("| __|/ __|")
	b.Println("|__ \\|  _ \\")
	r.Printf("| | | (__  ")
	y.Printf("| |_| (__ ")
	b.Println(" __) | | | |")
	r.Printf("|_|  \\___|  ")
	y.Printf("\\__|\\___|")
	b.Println("|____/|_| |_|")

	fmt.Println(helpString)
}

func version() {
	fmt.Println("rtc2d (dev build)")
}
