package normalize

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/opendata-harvester/internal/fsutil"
)

// convertZip extracts supported members into a private scratch directory and
// re-dispatches each one. Outputs are named {archive-stem}-{member-path}
// with directory separators turned into hyphens. The scratch directory is
// always removed.
func (n *Normalizer) convertZip(ctx context.Context, job Job) ([]string, error) {
	if job.Depth >= n.cfg.MaxArchiveDepth {
		return nil, fmt.Errorf("%w: %s nested %d deep (max %d)", ErrArchiveLimit, job.Src, job.Depth, n.cfg.MaxArchiveDepth)
	}

	zr, err := zip.OpenReader(job.Src)
	if err != nil {
		return nil, fmt.Errorf("open archive %s: %w", job.Src, err)
	}
	defer func() { _ = zr.Close() }()

	if len(zr.File) > n.cfg.MaxArchiveMembers {
		return nil, fmt.Errorf("%w: %s has %d members (max %d)", ErrArchiveLimit, job.Src, len(zr.File), n.cfg.MaxArchiveMembers)
	}

	scratch, err := os.MkdirTemp("", "harvester-zip-*")
	if err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	defer func() {
		if rerr := os.RemoveAll(scratch); rerr != nil {
			n.logger.Warn("remove scratch dir", zap.String("dir", scratch), zap.Error(rerr))
		}
	}()

	members := make([]*zip.File, 0, len(zr.File))
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		members = append(members, f)
	}
	sort.Slice(members, func(i, j int) bool { return members[i].Name < members[j].Name })

	budget := job.budget
	if budget == nil {
		b := n.cfg.MaxExtractBytes
		budget = &b
	}

	var outputs []string
	for _, member := range members {
		if err := ctx.Err(); err != nil {
			return outputs, fmt.Errorf("archive conversion canceled: %w", err)
		}
		name := path.Clean(strings.ReplaceAll(member.Name, `\`, "/"))
		if !n.Supports(path.Ext(name)) {
			continue
		}
		target := filepath.Join(scratch, filepath.FromSlash(name))
		if !fsutil.WithinDir(scratch, target) {
			n.logger.Warn("skipping archive member outside scratch dir",
				zap.String("archive", job.Src),
				zap.String("member", member.Name),
			)
			continue
		}
		if err := extractMember(member, target, budget); err != nil {
			return outputs, fmt.Errorf("extract %s from %s: %w", member.Name, job.Src, err)
		}

		outputs = append(outputs, n.dispatch(ctx, Job{
			Src:    target,
			OutDir: job.OutDir,
			Stem:   job.Stem + "-" + memberStem(name),
			Depth:  job.Depth + 1,
			budget: budget,
		})...)

		if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
			n.logger.Debug("remove extracted member", zap.String("path", target), zap.Error(err))
		}
	}
	return outputs, nil
}

// extractMember copies one member to target, charging its size to budget.
func extractMember(member *zip.File, target string, budget *int64) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create member dir: %w", err)
	}
	rc, err := member.Open()
	if err != nil {
		return fmt.Errorf("open member: %w", err)
	}
	defer func() { _ = rc.Close() }()

	out, err := os.Create(target)
	if err != nil {
		return fmt.Errorf("create member file: %w", err)
	}
	written, copyErr := io.Copy(out, io.LimitReader(rc, *budget+1))
	closeErr := out.Close()
	*budget -= written
	if copyErr != nil {
		return fmt.Errorf("copy member: %w", copyErr)
	}
	if closeErr != nil {
		return fmt.Errorf("close member file: %w", closeErr)
	}
	if *budget < 0 {
		return fmt.Errorf("%w: extracted bytes exceed budget", ErrArchiveLimit)
	}
	return nil
}

// memberStem flattens "dir/sub/file.csv" into "dir-sub-file".
func memberStem(name string) string {
	dir, file := path.Split(name)
	stem := strings.TrimSuffix(file, path.Ext(file))
	parts := strings.FieldsFunc(dir, func(r rune) bool { return r == '/' })
	return strings.Join(append(parts, stem), "-")
}
