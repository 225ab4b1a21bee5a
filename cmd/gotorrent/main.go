package main

import (
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/corvidlabs/gotorrent/bencode"
	"github.com/corvidlabs/gotorrent/client"
	"github.com/corvidlabs/gotorrent/gterrors"
	"github.com/corvidlabs/gotorrent/metainfo"
	"github.com/corvidlabs/gotorrent/peer"
	"github.com/corvidlabs/gotorrent/tracker"
)

func usage() {
	fmt.Fprintf(os.Stderr, `%s <command> [arguments]

    decode <bencoded-value>
    info <torrent-file>
    peers <torrent-file>
    handshake <torrent-file> <ip:port>
    download_piece -o <out> <torrent-file> <piece-index>
    download -o <out> <torrent-file>
    magnet_parse <magnet-uri>
    magnet_handshake <magnet-uri>
    magnet_info <magnet-uri>
    magnet_download_piece -o <out> <magnet-uri> <piece-index>
    magnet_download -o <out> <magnet-uri>
`, os.Args[0])
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	log := logrus.StandardLogger()
	log.SetLevel(logrus.WarnLevel)
	if os.Getenv("GOTORRENT_DEBUG") != "" {
		log.SetLevel(logrus.DebugLevel)
	}

	var err error
	switch os.Args[1] {
	case "decode":
		err = runDecode(os.Args[2:])
	case "info":
		err = runInfo(os.Args[2:])
	case "peers":
		err = runPeers(os.Args[2:], log)
	case "handshake":
		err = runHandshake(os.Args[2:], log)
	case "download_piece":
		err = runDownloadPiece(os.Args[2:], log)
	case "download":
		err = runDownload(os.Args[2:], log)
	case "magnet_parse":
		err = runMagnetParse(os.Args[2:])
	case "magnet_handshake":
		err = runMagnetHandshake(os.Args[2:], log)
	case "magnet_info":
		err = runMagnetInfo(os.Args[2:], log)
	case "magnet_download_piece":
		err = runMagnetDownloadPiece(os.Args[2:], log)
	case "magnet_download":
		err = runMagnetDownload(os.Args[2:], log)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// outputFlags parses the "-o <path> <rest...>" shape shared by the four
// file-writing commands.
func outputFlags(name string, args []string) (out string, rest []string, err error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.StringVar(&out, "o", "", "output path")
	if err := fs.Parse(args); err != nil {
		return "", nil, err
	}
	if out == "" {
		return "", nil, gterrors.Wrap(gterrors.ErrDecode, "%s: -o <output-path> is required", name)
	}
	return out, fs.Args(), nil
}

func runDecode(args []string) error {
	if len(args) != 1 {
		return gterrors.Wrap(gterrors.ErrDecode, "decode: expected a single bencoded argument")
	}
	v, err := bencode.Decode([]byte(args[0]))
	if err != nil {
		return err
	}
	out, err := json.Marshal(bencode.ToJSON(v))
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func loadTorrent(path string) (*metainfo.Metainfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, gterrors.Wrap(gterrors.ErrDecode, "reading %s: %s", path, err)
	}
	return metainfo.Parse(data)
}

func printInfo(mi *metainfo.Metainfo) {
	hash := mi.InfoHash()
	fmt.Printf("Tracker URL: %s\n", mi.Announce)
	fmt.Printf("Length: %d\n", mi.TotalLength())
	fmt.Printf("Info Hash: %s\n", hex.EncodeToString(hash[:]))
	fmt.Printf("Piece Length: %d\n", mi.PieceLength)
	fmt.Println("Piece Hashes:")
	for i := 0; i < mi.PieceCount(); i++ {
		h := mi.PieceHash(i)
		fmt.Println(hex.EncodeToString(h[:]))
	}
}

func runInfo(args []string) error {
	if len(args) != 1 {
		return gterrors.Wrap(gterrors.ErrDecode, "info: expected <torrent-file>")
	}
	mi, err := loadTorrent(args[0])
	if err != nil {
		return err
	}
	printInfo(mi)
	return nil
}

func runPeers(args []string, log logrus.FieldLogger) error {
	if len(args) != 1 {
		return gterrors.Wrap(gterrors.ErrDecode, "peers: expected <torrent-file>")
	}
	mi, err := loadTorrent(args[0])
	if err != nil {
		return err
	}
	id, err := client.NewClientID()
	if err != nil {
		return err
	}
	resp, err := tracker.Announce(mi.Announce, mi.InfoHash(), id, mi.TotalLength(), log)
	if err != nil {
		return err
	}
	for _, p := range resp.Peers {
		fmt.Println(p)
	}
	return nil
}

func runHandshake(args []string, log logrus.FieldLogger) error {
	if len(args) != 2 {
		return gterrors.Wrap(gterrors.ErrDecode, "handshake: expected <torrent-file> <ip:port>")
	}
	mi, err := loadTorrent(args[0])
	if err != nil {
		return err
	}
	id, err := client.NewClientID()
	if err != nil {
		return err
	}
	sess, err := peer.Connect(args[1], mi.InfoHash(), id, log)
	if err != nil {
		return err
	}
	defer sess.Close()
	fmt.Printf("Peer ID: %s\n", hex.EncodeToString(sess.PeerID[:]))
	return nil
}

func runDownloadPiece(args []string, log logrus.FieldLogger) error {
	out, rest, err := outputFlags("download_piece", args)
	if err != nil {
		return err
	}
	if len(rest) != 2 {
		return gterrors.Wrap(gterrors.ErrDecode, "download_piece: expected -o <out> <torrent-file> <piece-index>")
	}
	mi, err := loadTorrent(rest[0])
	if err != nil {
		return err
	}
	index, err := strconv.Atoi(rest[1])
	if err != nil {
		return gterrors.Wrap(gterrors.ErrDecode, "piece index %q is not an integer", rest[1])
	}
	data, err := client.DownloadPiece(mi, index, log)
	if err != nil {
		return err
	}
	if err := os.WriteFile(out, data, 0644); err != nil {
		return gterrors.Wrap(gterrors.ErrDecode, "writing %s: %s", out, err)
	}
	fmt.Printf("Piece %d downloaded to %s.\n", index, out)
	return nil
}

func runDownload(args []string, log logrus.FieldLogger) error {
	out, rest, err := outputFlags("download", args)
	if err != nil {
		return err
	}
	if len(rest) != 1 {
		return gterrors.Wrap(gterrors.ErrDecode, "download: expected -o <out> <torrent-file>")
	}
	mi, err := loadTorrent(rest[0])
	if err != nil {
		return err
	}
	data, err := client.Download(mi, log)
	if err != nil {
		return err
	}
	if err := os.WriteFile(out, data, 0644); err != nil {
		return gterrors.Wrap(gterrors.ErrDecode, "writing %s: %s", out, err)
	}
	fmt.Printf("Downloaded %s to %s.\n", rest[0], out)
	return nil
}

func runMagnetParse(args []string) error {
	if len(args) != 1 {
		return gterrors.Wrap(gterrors.ErrDecode, "magnet_parse: expected <magnet-uri>")
	}
	m, err := metainfo.ParseMagnet(args[0])
	if err != nil {
		return err
	}
	fmt.Printf("Tracker URL: %s\n", m.TrackerURL)
	fmt.Printf("Info Hash: %s\n", m.InfoHashHex())
	return nil
}

func runMagnetHandshake(args []string, log logrus.FieldLogger) error {
	if len(args) != 1 {
		return gterrors.Wrap(gterrors.ErrDecode, "magnet_handshake: expected <magnet-uri>")
	}
	m, err := metainfo.ParseMagnet(args[0])
	if err != nil {
		return err
	}
	_, s, err := client.ResolveMagnetHandshakeOnly(m, log)
	if err != nil {
		return err
	}
	defer s.Close()
	fmt.Printf("Peer ID: %s\n", hex.EncodeToString(s.PeerID[:]))
	fmt.Printf("Peer Metadata Extension ID: %d\n", s.MetadataExtensionID())
	return nil
}

func runMagnetInfo(args []string, log logrus.FieldLogger) error {
	if len(args) != 1 {
		return gterrors.Wrap(gterrors.ErrDecode, "magnet_info: expected <magnet-uri>")
	}
	m, err := metainfo.ParseMagnet(args[0])
	if err != nil {
		return err
	}
	mi, s, err := client.ResolveMagnet(m, log)
	if err != nil {
		return err
	}
	s.Close()
	printInfo(mi)
	return nil
}

func runMagnetDownloadPiece(args []string, log logrus.FieldLogger) error {
	out, rest, err := outputFlags("magnet_download_piece", args)
	if err != nil {
		return err
	}
	if len(rest) != 2 {
		return gterrors.Wrap(gterrors.ErrDecode, "magnet_download_piece: expected -o <out> <magnet-uri> <piece-index>")
	}
	m, err := metainfo.ParseMagnet(rest[0])
	if err != nil {
		return err
	}
	index, err := strconv.Atoi(rest[1])
	if err != nil {
		return gterrors.Wrap(gterrors.ErrDecode, "piece index %q is not an integer", rest[1])
	}
	_, data, err := client.DownloadMagnetPiece(m, index, log)
	if err != nil {
		return err
	}
	if err := os.WriteFile(out, data, 0644); err != nil {
		return gterrors.Wrap(gterrors.ErrDecode, "writing %s: %s", out, err)
	}
	fmt.Printf("Piece %d downloaded to %s.\n", index, out)
	return nil
}

func runMagnetDownload(args []string, log logrus.FieldLogger) error {
	out, rest, err := outputFlags("magnet_download", args)
	if err != nil {
		return err
	}
	if len(rest) != 1 {
		return gterrors.Wrap(gterrors.ErrDecode, "magnet_download: expected -o <out> <magnet-uri>")
	}
	m, err := metainfo.ParseMagnet(rest[0])
	if err != nil {
		return err
	}
	_, data, err := client.DownloadMagnet(m, log)
	if err != nil {
		return err
	}
	if err := os.WriteFile(out, data, 0644); err != nil {
		return gterrors.Wrap(gterrors.ErrDecode, "writing %s: %s", out, err)
	}
	fmt.Printf("Downloaded %s to %s.\n", rest[0], out)
	return nil
}
