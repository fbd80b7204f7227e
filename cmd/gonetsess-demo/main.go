// Command gonetsess-demo is a minimal CLI exercising the session library
// end to end: a serve subcommand accepts connections and answers each
// length-prefixed greeting with one of its own, a dial subcommand
// connects and sends one. Scaled down from kcptun's client/main.go and server/main.go CLI
// scaffolding, which configure a full KCP/smux tunnel from many dozens of
// flags — this module only needs enough flags to exercise SPEC_FULL.md's
// public surface.
package main

import (
	"encoding/binary"
	"log"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli"

	"github.com/xtaci/gonetsess/acceptor"
	"github.com/xtaci/gonetsess/cipher"
	"github.com/xtaci/gonetsess/internal/config"
	"github.com/xtaci/gonetsess/packet"
	"github.com/xtaci/gonetsess/session"
)

// version is injected by build flags, matching kcptun's VERSION var.
var version = "SELFBUILD"

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	app := cli.NewApp()
	app.Name = "gonetsess-demo"
	app.Usage = "minimal client/server demo for the session library"
	app.Version = version
	app.Commands = []cli.Command{
		serveCommand(),
		dialCommand(),
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func sharedFlags() []cli.Flag {
	return []cli.Flag{
		cli.StringFlag{Name: "addr", Value: "127.0.0.1", Usage: "address to bind or dial"},
		cli.IntFlag{Name: "port", Value: 29900, Usage: "TCP port to bind or dial"},
		cli.StringFlag{Name: "key", Value: "", Usage: "passphrase; empty disables encryption"},
		cli.StringFlag{Name: "crypt", Value: "aes", Usage: "cipher method name (see cipher.Select)"},
		cli.BoolFlag{Name: "compress", Usage: "enable the optional snappy compression transform"},
	}
}

// buildAdapters derives a key from the "key" flag (if set) and builds a
// matching pair of cipher adapters, mirroring client/main.go's
// "initiating key derivation" / kcp.New*BlockCrypt dispatch, but through
// cipher.Select instead of a bespoke switch statement.
func buildAdapters(c *cli.Context) (enc, dec *cipher.Adapter, err error) {
	key := c.String("key")
	if key == "" {
		return nil, nil, nil
	}
	log.Println("deriving key")
	derived := config.DeriveKey(key)
	log.Println("key derivation done")

	enc, err = cipher.Select(c.String("crypt"), derived)
	if err != nil {
		return nil, nil, errors.Wrap(err, "building encrypt adapter")
	}
	dec, err = cipher.Select(c.String("crypt"), derived)
	if err != nil {
		return nil, nil, errors.Wrap(err, "building decrypt adapter")
	}
	return enc, dec, nil
}

func serveCommand() cli.Command {
	return cli.Command{
		Name:  "serve",
		Usage: "accept connections and reply to each greeting",
		Flags: sharedFlags(),
		Action: func(c *cli.Context) error {
			enc, dec, err := buildAdapters(c)
			if err != nil {
				return err
			}

			a := acceptor.New(session.DefaultCapacity)
			a.SetCompression(c.Bool("compress"))
			a.OnConnect(func(s *session.Session) {
				log.Printf("accepted connection")
				if enc != nil {
					s.SetEncrypt(enc)
					s.SetDecrypt(dec)
				}
				handleGreeting(s)
			})

			if err := a.Bind(c.String("addr"), c.Int("port"), 0); err != nil {
				return errors.Wrap(err, "binding listener")
			}
			log.Printf("listening on %s:%d", c.String("addr"), c.Int("port"))
			select {}
		},
	}
}

func dialCommand() cli.Command {
	return cli.Command{
		Name:  "dial",
		Usage: "connect once and send a greeting",
		Flags: sharedFlags(),
		Action: func(c *cli.Context) error {
			enc, dec, err := buildAdapters(c)
			if err != nil {
				return err
			}

			s := session.New(session.DefaultCapacity)
			s.SetCompression(c.Bool("compress"))
			if enc != nil {
				s.SetEncrypt(enc)
				s.SetDecrypt(dec)
			}

			done := make(chan struct{})
			s.OnPostDisconnect(func(*session.Session) { close(done) })

			err = s.Connect(c.String("addr"), c.Int("port"), 5*time.Second, func(err error) {
				log.Printf("connect timed out: %v", err)
			})
			if err != nil {
				return errors.Wrap(err, "connecting")
			}
			log.Printf("connected to %s:%d", c.String("addr"), c.Int("port"))

			greeting := packet.Builder().PutString("hello from gonetsess-demo", packet.UTF8, binary.BigEndian)
			sendFramed(s, greeting)

			<-done
			return nil
		},
	}
}

// handleGreeting wires up the read side a server-role session uses to
// receive one demo greeting: a 4-byte big-endian length, then that many
// bytes holding a length-prefixed UTF-8 string, which is logged and
// answered with a greeting of the server's own.
func handleGreeting(s *session.Session) {
	_ = s.ReadUntil(4, func(lenBuf []byte) bool {
		n := int(binary.BigEndian.Uint32(lenBuf))
		_ = s.ReadUntil(n, func(body []byte) bool {
			strLen := packet.ReadStringLen(body[:2], binary.BigEndian)
			text, err := packet.ReadString(body[2:2+strLen], packet.UTF8)
			if err != nil {
				log.Printf("decoding greeting: %v", err)
				return false
			}
			log.Printf("received greeting: %q", text)

			reply := packet.Builder().PutString("hello back from gonetsess-demo", packet.UTF8, binary.BigEndian)
			sendFramed(s, reply)
			return false
		})
		return false
	})
}

// sendFramed queues a 4-byte big-endian length header and body as two
// separate packets before flushing once. Queued separately (rather than
// combined with Packet.Prepend into one packet) so that, when an encrypt
// adapter is set, each ends up its own independent cipher call — matching
// the two independent read_until calls handleGreeting issues to consume
// them (see cipher.Adapter and DESIGN.md's note on per-packet encryption).
func sendFramed(s *session.Session, body *packet.Packet) {
	header := packet.Builder().PutInt(int32(body.Size()), binary.BigEndian)
	header.Queue(s)
	body.Queue(s)
	s.Flush()
}
