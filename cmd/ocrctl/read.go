package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/spf13/cobra"

	"github.com/adverant/nexus/ocr-server/internal/processor"
	"github.com/adverant/nexus/ocr-server/internal/protocol"
)

var (
	readLang       string
	readEngine     string
	readCharLevel  bool
	readPreprocess bool
	readRepeat     int
	readRaw        bool
)

var readCmd = &cobra.Command{
	Use:   "read",
	Short: "Send read_image and print the response",
	Long:  "Ask the server to OCR its shared image file and print the framed JSON response.",
	RunE:  runRead,
}

func init() {
	readCmd.Flags().StringVar(&readLang, "lang", "english", "Language name")
	readCmd.Flags().StringVar(&readEngine, "engine", "easyocr", "Engine name")
	readCmd.Flags().BoolVar(&readCharLevel, "char-level", true, "Split detections into characters")
	readCmd.Flags().BoolVar(&readPreprocess, "preprocess", false, "Enhance the image before recognition")
	readCmd.Flags().IntVar(&readRepeat, "repeat", 1, "Send the command this many times on one connection")
	readCmd.Flags().BoolVar(&readRaw, "raw", false, "Print the payload exactly as received")
	rootCmd.AddCommand(readCmd)
}

func runRead(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	req := protocol.Request{
		Language:   readLang,
		Engine:     readEngine,
		CharLevel:  readCharLevel,
		Preprocess: readPreprocess,
	}

	return requestOCR(ctx, serverAddr, req, readRepeat, func(payload []byte) error {
		return printResponse(cmd.OutOrStdout(), payload, readRaw)
	})
}

// requestOCR sends req repeat times on one connection and hands each
// response payload to handle.
func requestOCR(ctx context.Context, addr string, req protocol.Request, repeat int, handle func([]byte) error) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	r := bufio.NewReader(conn)
	line := protocol.FormatCommand(req) + "\n"
	if repeat < 1 {
		repeat = 1
	}
	for i := 0; i < repeat; i++ {
		if _, err := io.WriteString(conn, line); err != nil {
			return fmt.Errorf("failed to send command: %w", err)
		}
		payload, err := protocol.ReadFrame(r)
		if err != nil {
			return err
		}
		if err := handle(payload); err != nil {
			return err
		}
	}
	return nil
}

func printResponse(w io.Writer, payload []byte, raw bool) error {
	if raw {
		_, err := fmt.Fprintln(w, string(payload))
		return err
	}

	var resp processor.Response
	if err := json.Unmarshal(payload, &resp); err != nil {
		return fmt.Errorf("invalid response: %w", err)
	}
	if resp.Status == processor.StatusError {
		return fmt.Errorf("server error: %s", resp.Message)
	}

	fmt.Fprintf(w, "%d results in %s (char_level=%t)\n",
		len(resp.Results),
		time.Duration(resp.ProcessingTimeSeconds*float64(time.Second)).Round(time.Millisecond),
		resp.CharLevel)
	for _, d := range resp.Results {
		q := d.Quad
		fmt.Fprintf(w, "  %.2f  [%.0f,%.0f %.0f,%.0f]  %s\n",
			d.Confidence, q[0].X(), q[0].Y(), q[2].X(), q[2].Y(), d.Text)
	}
	return nil
}

func indentJSON(payload []byte) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, payload, "", "  "); err != nil {
		return string(payload)
	}
	return buf.String()
}
