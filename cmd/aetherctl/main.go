// Command aetherctl is a minimal, non-normative example of driving
// Aether from a command line: register a fresh identity against one
// registration-cloud channel, persist it, and optionally send one
// message to a peer UID. Flag-based CLI and signal-driven run loop
// follow the teacher's own cmd-style entrypoints (talek/frontend,
// talek/replica).
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"

	"github.com/aethernetio/aether-client-go/aether"
	"github.com/aethernetio/aether-client-go/cloud"
	"github.com/aethernetio/aether-client-go/crypto"
	"github.com/aethernetio/aether-client-go/registration"
	"github.com/aethernetio/aether-client-go/store"
	"github.com/aethernetio/aether-client-go/streammgr"
)

func main() {
	var (
		statePath      = flag.String("state", "aetherctl.db", "path to the persisted identity store")
		passphrase     = flag.String("passphrase", "", "passphrase protecting the identity store")
		registrarProto = flag.String("registrar-proto", "tcp", "registration-cloud channel protocol")
		registrarHost  = flag.String("registrar-host", "", "registration-cloud channel host")
		registrarPort  = flag.Uint("registrar-port", 0, "registration-cloud channel port")
		registrarKey   = flag.String("registrar-key", "", "hex-encoded registrar public key")
		sendTo         = flag.String("send-to", "", "hex-encoded peer UID to send a message to")
		message        = flag.String("message", "", "message body for -send-to")
	)
	flag.Parse()

	logger := log.Default()

	if *passphrase == "" || *registrarHost == "" || *registrarKey == "" {
		logger.Fatal("-passphrase, -registrar-host and -registrar-key are required")
	}

	backend, err := store.OpenFileSystem(*statePath, []byte(*passphrase))
	if err != nil {
		logger.Fatal("open state", "err", err)
	}
	defer backend.Close()

	a := aether.New(aether.Config{
		Backend: backend,
		Scheme:  crypto.SchemeXChaCha20Poly1305,
		Logger:  logger,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	keyBytes, err := hex.DecodeString(*registrarKey)
	if err != nil || len(keyBytes) != crypto.PublicKeySize {
		logger.Fatal("bad -registrar-key: must be a hex-encoded 32-byte Ed25519 key", "err", err)
	}
	var registrarPub crypto.PublicKey
	copy(registrarPub[:], keyBytes)

	regCloud := cloud.NewCloud([]*cloud.Server{
		cloud.NewServer(&cloud.ServerDescriptor{
			ServerID: 0,
			Channels: []cloud.ChannelDescriptor{
				{Proto: *registrarProto, Host: *registrarHost, Port: uint16(*registrarPort)},
			},
		}),
	})

	var parentUID [16]byte
	if _, err := rand.Read(parentUID[:]); err != nil {
		logger.Fatal("generate parent uid", "err", err)
	}

	c, err := a.RegisterAt(ctx, registration.Config{
		RegistrationCloud: regCloud,
		RegistrarKey:      registrarPub,
		ParentUID:         parentUID,
	}, nil, func(peer streammgr.PeerUID, data []byte) {
		logger.Info("received", "peer", hex.EncodeToString(peer[:]), "bytes", len(data))
	})
	if err != nil {
		logger.Fatal("register", "err", err)
	}
	uid := c.UID()
	fmt.Println("registered uid", hex.EncodeToString(uid[:]))

	if *sendTo != "" {
		peer, err := decodePeerUID(*sendTo)
		if err != nil {
			logger.Fatal("bad -send-to", "err", err)
		}
		if err := c.Send(ctx, peer, []byte(*message)); err != nil {
			logger.Fatal("send", "err", err)
		}
		fmt.Println("sent")
		return
	}

	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	a.Run(runCtx)
}

func decodePeerUID(s string) (streammgr.PeerUID, error) {
	var peer streammgr.PeerUID
	raw, err := hex.DecodeString(s)
	if err != nil {
		return peer, err
	}
	if len(raw) != len(peer) {
		return peer, fmt.Errorf("peer UID must be %d bytes, got %d", len(peer), len(raw))
	}
	copy(peer[:], raw)
	return peer, nil
}

