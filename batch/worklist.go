package batch

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/Wikimedia-Sverige/commonsdb-commons-supplier/errs"
	"github.com/Wikimedia-Sverige/commonsdb-commons-supplier/journal"
)

// WorkList is the ordered set of file titles one run processes.
type WorkList struct {
	Titles []string
	// BatchTag is attached to every record the run creates.
	BatchTag string
}

// LoadWorkList reads arg as a file of titles when such a file exists and
// otherwise as a journal tag, whose records are resolved back to titles
// through src.
func LoadWorkList(ctx context.Context, arg string, j journal.Journal, src Source) (*WorkList, error) {
	if info, err := os.Stat(arg); err == nil && !info.IsDir() {
		return ReadWorkListFile(arg)
	}
	exists, err := j.TagExists(ctx, arg)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, errs.Newf(errs.KindConfig, "work list", "%q is neither a file nor a journal tag", arg)
	}
	recs, err := j.ListByTag(ctx, arg, 0)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(recs))
	for _, rec := range recs {
		ids = append(ids, rec.SourceItemID)
	}
	titles, err := src.Titles(ctx, ids)
	if err != nil {
		return nil, err
	}
	return &WorkList{Titles: titles, BatchTag: arg}, nil
}

// ReadWorkListFile reads one title per line, skipping blank lines. The
// batch tag is "batch:" followed by the file name without extension.
func ReadWorkListFile(path string) (*WorkList, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errs.ReadFile(path, err)
	}
	defer f.Close()

	var titles []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			titles = append(titles, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, errs.ReadFile(path, err)
	}

	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	tag := "batch:" + stem
	if len(tag) > journal.MaxTagLen {
		return nil, errs.Newf(errs.KindConfig, "work list", "batch tag %q is longer than %d characters; rename the file", tag, journal.MaxTagLen)
	}
	return &WorkList{Titles: titles, BatchTag: tag}, nil
}
