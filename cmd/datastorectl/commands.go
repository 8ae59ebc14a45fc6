package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/gostratum/datastorex"
	"github.com/gostratum/datastorex/orchestrator"
)

func newProvidersCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "providers",
		Short: "List configured providers in probe order",
		Args:  cobra.NoArgs,
		RunE: withOrchestrator(opts, func(cmd *cobra.Command, o *orchestrator.Orchestrator, _ []string) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tTYPE\tPRIORITY")
			for _, d := range o.Registry().Descriptors() {
				fmt.Fprintf(w, "%s\t%s\t%d\n", d.Name(), d.Type, d.Priority)
			}
			return w.Flush()
		}),
	}
}

func newHealthCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Ping every configured provider",
		Args:  cobra.NoArgs,
		RunE: withOrchestrator(opts, func(cmd *cobra.Command, o *orchestrator.Orchestrator, _ []string) error {
			report := o.CheckHealth(cmd.Context())

			names := make([]string, 0, len(report))
			for name := range report {
				names = append(names, name)
			}
			sort.Strings(names)

			out := cmd.OutOrStdout()
			for _, name := range names {
				if err := report[name]; err != nil {
					fmt.Fprintf(out, "%s\tunhealthy\t%v\n", name, err)
					continue
				}
				fmt.Fprintf(out, "%s\tok\n", name)
			}
			return report.Err()
		}),
	}
}

func newStatCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stat <path>",
		Short: "Print object metadata as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: withOrchestrator(opts, func(cmd *cobra.Command, o *orchestrator.Orchestrator, args []string) error {
			md, err := o.GetMetadata(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(md)
		}),
	}
}

func newCatCmd(opts *cliOptions) *cobra.Command {
	var offset, length int64

	cmd := &cobra.Command{
		Use:   "cat <path>",
		Short: "Write object content to stdout",
		Long: `Write object content to stdout.

With --offset or --length the object is read through the paged reader, so
only the pages covering the requested range are fetched.`,
		Args: cobra.ExactArgs(1),
		RunE: withOrchestrator(opts, func(cmd *cobra.Command, o *orchestrator.Orchestrator, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			if offset == 0 && length < 0 {
				rc, err := o.Read(ctx, args[0])
				if err != nil {
					return err
				}
				defer rc.Close()
				_, err = io.Copy(out, rc)
				return err
			}

			r, err := o.OpenReader(ctx, args[0])
			if err != nil {
				return err
			}
			defer r.Close()

			if _, err := r.Seek(offset, io.SeekStart); err != nil {
				return err
			}
			var src io.Reader = r
			if length >= 0 {
				src = io.LimitReader(r, length)
			}
			_, err = io.Copy(out, src)
			return err
		}),
	}

	cmd.Flags().Int64Var(&offset, "offset", 0, "Byte offset to start reading at")
	cmd.Flags().Int64Var(&length, "length", -1, "Number of bytes to read (-1 reads to the end)")
	return cmd
}

func newPutCmd(opts *cliOptions) *cobra.Command {
	var chunkSize int64

	cmd := &cobra.Command{
		Use:   "put <path> [file|-]",
		Short: "Upload a local file or stdin",
		Long: `Upload a local file, or stdin when the file is "-" or omitted.

With --chunk-size the content is sent as a chunked write: each chunk is
uploaded separately with its SHA-256 digest and the object is assembled
once every chunk has been verified.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: withOrchestrator(opts, func(cmd *cobra.Command, o *orchestrator.Orchestrator, args []string) error {
			var in io.Reader = cmd.InOrStdin()
			if len(args) == 2 && args[1] != "-" {
				f, err := os.Open(args[1])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}

			if chunkSize > 0 {
				return putChunked(cmd, o, args[0], in, chunkSize)
			}
			return o.Write(cmd.Context(), args[0], bufio.NewReader(in))
		}),
	}

	cmd.Flags().Int64Var(&chunkSize, "chunk-size", 0, "Upload as a chunked write with chunks of this many bytes")
	return cmd
}

// putChunked splits in into chunkSize pieces and commits them in order
func putChunked(cmd *cobra.Command, o *orchestrator.Orchestrator, path string, in io.Reader, chunkSize int64) (err error) {
	ctx := cmd.Context()

	uploadID, err := o.StartChunkedWrite(ctx, path)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = o.CancelChunkedWrite(ctx, uploadID)
		}
	}()

	buf := make([]byte, chunkSize)
	var chunks []datastorex.ChunkDetail
	for {
		n, readErr := io.ReadFull(in, buf)
		if n > 0 {
			hashes, err := datastorex.Digests(buf[:n], datastorex.HashSHA256)
			if err != nil {
				return err
			}
			id, err := o.WriteChunk(ctx, uploadID, bytes.NewReader(buf[:n]))
			if err != nil {
				return err
			}
			chunks = append(chunks, datastorex.ChunkDetail{ID: id, Hashes: hashes})
		}
		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			break
		}
		if readErr != nil {
			return readErr
		}
	}

	if err := o.EndChunkedWrite(ctx, uploadID, chunks); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %s in %d chunk(s)\n", path, len(chunks))
	return nil
}

func newCopyCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cp <src> <dst>",
		Short: "Copy an object, across providers if needed",
		Args:  cobra.ExactArgs(2),
		RunE: withOrchestrator(opts, func(cmd *cobra.Command, o *orchestrator.Orchestrator, args []string) error {
			return o.Copy(cmd.Context(), args[0], args[1])
		}),
	}
}

func newMoveCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "mv <src> <dst>",
		Short: "Move an object, across providers if needed",
		Args:  cobra.ExactArgs(2),
		RunE: withOrchestrator(opts, func(cmd *cobra.Command, o *orchestrator.Orchestrator, args []string) error {
			return o.Move(cmd.Context(), args[0], args[1])
		}),
	}
}

func newRemoveCmd(opts *cliOptions) *cobra.Command {
	var versionID string

	cmd := &cobra.Command{
		Use:   "rm <path>",
		Short: "Delete an object",
		Args:  cobra.ExactArgs(1),
		RunE: withOrchestrator(opts, func(cmd *cobra.Command, o *orchestrator.Orchestrator, args []string) error {
			return o.Delete(cmd.Context(), args[0], versionID)
		}),
	}

	cmd.Flags().StringVar(&versionID, "version", "", "Only delete if the current version matches")
	return cmd
}
