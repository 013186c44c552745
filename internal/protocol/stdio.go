package protocol

import (
	"io"
	"os"
)

type stdio struct {
	in  io.ReadCloser
	out io.WriteCloser
}

// Stdio returns the process's stdin and stdout as one stream, the transport
// editors use to launch a language server.
func Stdio() io.ReadWriteCloser {
	return stdio{in: os.Stdin, out: os.Stdout}
}

func (s stdio) Read(p []byte) (int, error)  { return s.in.Read(p) }
func (s stdio) Write(p []byte) (int, error) { return s.out.Write(p) }

func (s stdio) Close() error {
	err := s.in.Close()
	if werr := s.out.Close(); err == nil {
		err = werr
	}
	return err
}
