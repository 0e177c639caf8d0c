// SPDX-License-Identifier: MPL-2.0

package coreutils

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/invowk/vworker/internal/ops"
)

// The text utilities u-root does not provide, implemented here on top of the
// op's handler context.

type wcCounts struct {
	lines int64
	words int64
	bytes int64
}

// runSleep implements: sleep DURATION. Plain numbers are seconds; the
// suffixes s, m and h are accepted.
func runSleep(ctx context.Context, _ *ops.HandlerContext, args []string) error {
	if len(args) < 2 {
		return &ops.UsageError{Usage: "sleep DURATION"}
	}
	d, err := parseSleepDuration(args[1])
	if err != nil {
		return err
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func parseSleepDuration(s string) (time.Duration, error) {
	unit := time.Second
	num := s
	if s != "" {
		switch strings.ToLower(s[len(s)-1:]) {
		case "s":
			num = s[:len(s)-1]
		case "m":
			unit, num = time.Minute, s[:len(s)-1]
		case "h":
			unit, num = time.Hour, s[:len(s)-1]
		}
	}
	val, err := strconv.ParseFloat(num, 64)
	if err != nil || val < 0 || math.IsNaN(val) || val*float64(unit) > math.MaxInt64 {
		return 0, fmt.Errorf("invalid time interval %q", s)
	}
	return time.Duration(val * float64(unit)), nil
}

// runHead implements: head [-n N] [FILE...]
func runHead(_ context.Context, hc *ops.HandlerContext, args []string) error {
	fs := flag.NewFlagSet("head", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	n := fs.Int("n", 10, "number of lines")
	if err := fs.Parse(args[1:]); err != nil {
		return &ops.UsageError{Usage: "head [-n N] [FILE...]"}
	}

	files := fs.Args()
	return eachInput(hc, files, func(r io.Reader, name string, i int) error {
		if len(files) > 1 {
			if i > 0 {
				fmt.Fprintln(hc.Stdout)
			}
			fmt.Fprintf(hc.Stdout, "==> %s <==\n", name)
		}
		scanner := bufio.NewScanner(r)
		for count := 0; count < *n && scanner.Scan(); count++ {
			fmt.Fprintln(hc.Stdout, scanner.Text())
		}
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("reading %s: %w", name, err)
		}
		return nil
	})
}

// runWc implements: wc [-l] [-w] [-c] [FILE...]
func runWc(_ context.Context, hc *ops.HandlerContext, args []string) error {
	fs := flag.NewFlagSet("wc", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	showLines := fs.Bool("l", false, "print line count")
	showWords := fs.Bool("w", false, "print word count")
	showBytes := fs.Bool("c", false, "print byte count")
	if err := fs.Parse(args[1:]); err != nil {
		return &ops.UsageError{Usage: "wc [-l] [-w] [-c] [FILE...]"}
	}
	if !*showLines && !*showWords && !*showBytes {
		*showLines, *showWords, *showBytes = true, true, true
	}

	report := func(c wcCounts, name string) {
		var parts []string
		if *showLines {
			parts = append(parts, fmt.Sprintf("%7d", c.lines))
		}
		if *showWords {
			parts = append(parts, fmt.Sprintf("%7d", c.words))
		}
		if *showBytes {
			parts = append(parts, fmt.Sprintf("%7d", c.bytes))
		}
		if name != "" {
			parts = append(parts, name)
		}
		fmt.Fprintln(hc.Stdout, strings.Join(parts, " "))
	}

	files := fs.Args()
	var total wcCounts
	err := eachInput(hc, files, func(r io.Reader, name string, _ int) error {
		c, err := countText(r)
		if err != nil {
			return fmt.Errorf("reading %s: %w", name, err)
		}
		total.lines += c.lines
		total.words += c.words
		total.bytes += c.bytes
		if name == "-" {
			name = ""
		}
		report(c, name)
		return nil
	})
	if err != nil {
		return err
	}
	if len(files) > 1 {
		report(total, "total")
	}
	return nil
}

func countText(r io.Reader) (wcCounts, error) {
	var c wcCounts
	br := bufio.NewReader(r)
	inWord := false
	for {
		ru, size, err := br.ReadRune()
		if errors.Is(err, io.EOF) {
			return c, nil
		}
		if err != nil {
			return c, err
		}
		c.bytes += int64(size)
		if ru == '\n' {
			c.lines++
		}
		if unicode.IsSpace(ru) {
			inWord = false
		} else if !inWord {
			inWord = true
			c.words++
		}
	}
}

// runSeq implements: seq [-s SEP] [FIRST [INCREMENT]] LAST
func runSeq(ctx context.Context, hc *ops.HandlerContext, args []string) error {
	const usage = "seq [-s SEP] [FIRST [INCREMENT]] LAST"
	fs := flag.NewFlagSet("seq", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	sep := fs.String("s", "\n", "separator")
	if err := fs.Parse(args[1:]); err != nil {
		return &ops.UsageError{Usage: usage}
	}

	pos := fs.Args()
	if len(pos) == 0 || len(pos) > 3 {
		return &ops.UsageError{Usage: usage}
	}
	nums := make([]float64, len(pos))
	for i, p := range pos {
		v, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return fmt.Errorf("invalid floating point argument %q", p)
		}
		nums[i] = v
	}
	first, incr, last := 1.0, 1.0, nums[len(nums)-1]
	switch len(nums) {
	case 2:
		first = nums[0]
	case 3:
		first, incr = nums[0], nums[1]
	}
	if incr == 0 {
		return errors.New("increment must not be zero")
	}

	// The epsilon keeps "seq 0 0.1 1" from losing its last value to drift.
	count := 0
	for n := first; (incr > 0 && n <= last+1e-9) || (incr < 0 && n >= last-1e-9); n += incr {
		if err := ctx.Err(); err != nil {
			return err
		}
		if count > 0 {
			fmt.Fprint(hc.Stdout, *sep)
		}
		fmt.Fprint(hc.Stdout, formatSeq(math.Round(n*1e9)/1e9))
		count++
	}
	if count > 0 {
		fmt.Fprintln(hc.Stdout)
	}
	return nil
}

func formatSeq(n float64) string {
	if n == math.Trunc(n) && math.Abs(n) < 1<<53 {
		return strconv.FormatInt(int64(n), 10)
	}
	return strconv.FormatFloat(n, 'g', -1, 64)
}

// eachInput calls fn for every named file, resolved against the script's
// directory, or once for stdin when there are none.
func eachInput(hc *ops.HandlerContext, files []string, fn func(r io.Reader, name string, i int) error) error {
	if len(files) == 0 {
		if hc.Stdin == nil {
			return fn(strings.NewReader(""), "-", 0)
		}
		return fn(hc.Stdin, "-", 0)
	}
	for i, name := range files {
		if err := withFile(hc.Dir, name, func(f *os.File) error { return fn(f, name, i) }); err != nil {
			return err
		}
	}
	return nil
}

func withFile(dir, name string, fn func(f *os.File) error) (err error) {
	path := name
	if !filepath.IsAbs(path) {
		path = filepath.Join(dir, path)
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()
	return fn(f)
}
