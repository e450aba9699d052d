package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/picklr-io/ec2-cli/internal/session"
)

var scpRecursive bool

var scpCmd = &cobra.Command{
	Use:   "scp NAME SRC DEST",
	Short: "Copy files to or from an environment",
	Long: `Copies a file between this machine and an environment. Prefix the
remote side with ':'; a bare ':' or ':~' is the login directory.

  ec2-cli scp dev ./notes.txt :
  ec2-cli scp dev :project/out.log ./out.log
  ec2-cli scp -r dev ./assets :assets`,
	Args: cobra.ExactArgs(3),
	RunE: runSCP,
}

func init() {
	scpCmd.Flags().BoolVarP(&scpRecursive, "recursive", "r", false, "copy directories recursively")
}

func runSCP(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	tr, err := session.ParseTransfer(args[1], args[2])
	if err != nil {
		return err
	}
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	env, err := a.resolve(ctx, args[:1])
	if err != nil {
		return err
	}
	t, err := a.transport(ctx, env)
	if err != nil {
		return err
	}
	s, err := t.Open(ctx, env, session.Copy)
	if err != nil {
		return err
	}
	defer s.Close()

	var res *session.CopyResult
	switch {
	case tr.Upload && scpRecursive:
		res, err = s.UploadTree(ctx, tr.Local, tr.Remote)
	case tr.Upload:
		res, err = s.Upload(ctx, tr.Local, tr.Remote)
	case scpRecursive:
		res, err = s.DownloadTree(ctx, tr.Remote, tr.Local)
	default:
		res, err = s.Download(ctx, tr.Remote, tr.Local)
	}
	if err != nil {
		return err
	}

	arrow := "->"
	from, to := res.Local, env.Name+":"+res.Remote
	if !tr.Upload {
		from, to = to, from
	}
	if res.Files > 1 {
		fmt.Fprintf(a.out(), "%s %s %s (%d files, %d bytes)\n", from, arrow, to, res.Files, res.Bytes)
	} else {
		fmt.Fprintf(a.out(), "%s %s %s (%d bytes)\n", from, arrow, to, res.Bytes)
	}
	return nil
}
