package main

import (
	"net"

	"github.com/speters/mmced/pkg/emu"
	"github.com/speters/mmced/pkg/link"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

var bridgeCmd = &cobra.Command{
	Use:   "bridge [bindtohost]:port dir",
	Short: "Offer dir as an emulated card to remote mmced instances",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		l, err := net.Listen("tcp", args[0])
		if err != nil {
			return err
		}
		defer l.Close()
		return serveBridge(l, emu.NewCard(afero.NewBasePathFs(afero.NewOsFs(), args[1])))
	},
}

func serveBridge(l net.Listener, card *emu.Card) error {
	log.Infof("Bridge listening on %s", l.Addr())
	for {
		conn, err := l.Accept()
		if err != nil {
			return err
		}
		log.Infof("Bridge client %s connected", conn.RemoteAddr())
		go func() {
			defer conn.Close()
			if err := link.Serve(conn, card); err != nil {
				log.Warnf("Bridge client %s: %v", conn.RemoteAddr(), err)
			}
		}()
	}
}
