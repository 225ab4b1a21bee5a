package peer

import "github.com/corvidlabs/gotorrent/gterrors"

func protoErrorf(format string, args ...any) error {
	return gterrors.Wrap(gterrors.ErrProtocol, format, args...)
}

func timeoutErrorf(format string, args ...any) error {
	return gterrors.Wrap(gterrors.ErrTimeout, format, args...)
}

func transportErrorf(format string, args ...any) error {
	return gterrors.Wrap(gterrors.ErrTransport, format, args...)
}
