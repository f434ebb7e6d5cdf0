// Copyright 2026 The CrystalSuMAPOTrainer Authors. SPDX-License-Identifier: Apache-2.0

// Package downloader fetches and extracts the dataset files, with a progress
// bar and optional sha256 verification.
package downloader

import (
	"compress/gzip"
	"encoding/csv"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path"
	"strings"

	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
)

// progressWriter forwards writes to w while advancing a progress bar sized in
// units of barUnit bytes, so the bar length stays sane for any file size.
type progressWriter struct {
	w   io.Writer
	bar *progressbar.ProgressBar

	barUnit, numUnits   int64
	written, addedUnits int64
}

func newProgressWriter(w io.Writer, contentLength int64) *progressWriter {
	pw := &progressWriter{w: w, barUnit: 1}
	for contentLength > pw.barUnit*1024*1024 {
		pw.barUnit *= 1024
	}
	pw.numUnits = (contentLength + pw.barUnit - 1) / pw.barUnit
	pw.bar = progressbar.NewOptions(int(pw.numUnits),
		progressbar.OptionSetDescription(fsutil.ByteCountIEC(contentLength)),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetTheme(progressbar.ThemeUnicode),
	)
	return pw
}

// Write implements io.Writer, advancing the progress bar as data flows.
func (pw *progressWriter) Write(p []byte) (n int, err error) {
	n, err = pw.w.Write(p)
	pw.written += int64(n)
	toUnits := pw.written / pw.barUnit
	if toUnits > pw.addedUnits {
		_ = pw.bar.Add(int(toUnits - pw.addedUnits))
		pw.addedUnits = toUnits
	}
	return
}

func (pw *progressWriter) close() {
	if pw.addedUnits < pw.numUnits {
		_ = pw.bar.Add(int(pw.numUnits - pw.addedUnits))
	}
	_ = pw.bar.Close()
	fmt.Println()
}

// Download file from url and save it at the given path, optionally displaying
// a progress bar. It creates the target directory if needed.
func Download(url, filePath string, showProgressBar bool) (size int64, err error) {
	filePath = fsutil.MustReplaceTildeInDir(filePath)
	if err = os.MkdirAll(path.Dir(filePath), 0777); err != nil && !os.IsExist(err) {
		return 0, errors.Wrapf(err, "failed to create the directory for the path %q", path.Dir(filePath))
	}
	file, err := os.Create(filePath)
	if err != nil {
		return 0, errors.Wrapf(err, "failed creating file %q", filePath)
	}
	client := http.Client{
		CheckRedirect: func(r *http.Request, via []*http.Request) error {
			r.URL.Opaque = r.URL.Path
			return nil
		},
	}
	resp, err := client.Get(url)
	if err != nil {
		return 0, errors.Wrapf(err, "failed downloading %q", url)
	}

	if showProgressBar {
		pw := newProgressWriter(file, resp.ContentLength)
		size, err = io.Copy(pw, resp.Body)
		pw.close()
	} else {
		size, err = io.Copy(file, resp.Body)
	}
	if err != nil {
		return 0, errors.Wrapf(err, "downloading %q to %q", url, filePath)
	}
	if err = file.Close(); err != nil {
		return 0, errors.Wrapf(err, "failed closing %q", filePath)
	}
	if err = resp.Body.Close(); err != nil {
		return 0, errors.Wrapf(err, "failed closing connection to %q", url)
	}
	return size, nil
}

// DownloadIfMissing downloads the file from the given URL if filePath doesn't
// exist yet. If checkHash is provided, it validates the file's sha256 or fails.
func DownloadIfMissing(url, filePath, checkHash string) error {
	filePath = fsutil.MustReplaceTildeInDir(filePath)
	if !fsutil.MustFileExists(filePath) {
		fmt.Printf("Downloading %s ...\n", url)
		if _, err := Download(url, filePath, true); err != nil {
			return err
		}
	}
	if checkHash == "" {
		return nil
	}
	return fsutil.ValidateChecksum(filePath, checkHash)
}

// Untar file under baseDir, using decompression flags according to suffix:
// .gz/.tgz for gzip, .bz2 for bzip2.
func Untar(baseDir, tarFile string) error {
	baseDir = fsutil.MustReplaceTildeInDir(baseDir)
	compressionFlag := ""
	if strings.HasSuffix(tarFile, ".gz") || strings.HasSuffix(tarFile, ".tgz") {
		compressionFlag = "z"
	} else if strings.HasSuffix(tarFile, ".bz2") {
		compressionFlag = "j"
	}
	cmd := exec.Command("tar", fmt.Sprintf("x%sf", compressionFlag), tarFile)
	cmd.Dir = baseDir
	if err := cmd.Run(); err != nil {
		return errors.Wrapf(err, "failed to run %q", cmd)
	}
	return nil
}

// DownloadAndUntarIfMissing downloads tarFile from the given url, if not there
// yet, and untars it if targetUntarDir is missing.
//
// If checkHash is provided, it validates the tar file's sha256 or fails.
func DownloadAndUntarIfMissing(url, baseDir, tarFile, targetUntarDir, checkHash string) error {
	baseDir = fsutil.MustReplaceTildeInDir(baseDir)
	if !path.IsAbs(tarFile) {
		tarFile = path.Join(baseDir, tarFile)
	}
	if !path.IsAbs(targetUntarDir) {
		targetUntarDir = path.Join(baseDir, targetUntarDir)
	}
	if fsutil.MustFileExists(targetUntarDir) {
		return nil
	}
	if err := DownloadIfMissing(url, tarFile, checkHash); err != nil {
		return err
	}
	if err := Untar(baseDir, tarFile); err != nil {
		return err
	}
	if !fsutil.MustFileExists(targetUntarDir) {
		return errors.Errorf("downloaded from %q and untar'ed %q, but didn't get directory %q", url, tarFile, targetUntarDir)
	}
	return nil
}

// ParseGzipCSVFile opens a `csv.gz` file and calls perRowFn for each row, with
// a slice of strings for each cell value in the row.
func ParseGzipCSVFile(filePath string, perRowFn func(row []string) error) error {
	f, err := os.Open(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to open file %q", filePath)
	}
	defer func() { _ = f.Close() }()
	gz, err := gzip.NewReader(f)
	if err != nil {
		return errors.Wrapf(err, "failed to un-gzip file %q", filePath)
	}
	r := csv.NewReader(gz)
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.Wrapf(err, "while reading gzip+csv %q", filePath)
		}
		if err = perRowFn(record); err != nil {
			return errors.WithMessagef(err, "while processing file %q", filePath)
		}
	}
	return nil
}
