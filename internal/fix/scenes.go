package fix

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/hbomb79/Hoard/internal/job"
	"github.com/hbomb79/Hoard/internal/tool"
)

const (
	scenesFile      = "scenes.csv"
	sceneNumberCol  = "Scene Number"
	sceneStartCol   = "Start Time (seconds)"
	sceneEndCol     = "End Time (seconds)"
	scenesOutputDir = "scenes"
)

// detectScenes runs the scene analyzer over the video provided, returning the
// scenes it found.
func (f *Fixer) detectScenes(ctx context.Context, path string) ([]job.Scene, error) {
	outDir := filepath.Join(filepath.Dir(path), scenesOutputDir)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, err
	}
	defer os.RemoveAll(outDir)

	args := []string{
		"--input", path,
		"--output", outDir,
		"--quiet",
		"detect-content",
		"list-scenes", "--skip-cuts", "--filename", scenesFile,
	}
	if _, err := f.invoker.Run(ctx, tool.SceneAnalyzer, args, 0); err != nil {
		return nil, err
	}

	file, err := os.Open(filepath.Join(outDir, scenesFile))
	if err != nil {
		return nil, fmt.Errorf("scene analyzer did not produce a scene list: %w", err)
	}
	defer file.Close()

	return parseScenes(file)
}

// parseScenes reads the CSV scene list produced by the scene analyzer. Any
// lines preceding the header row are ignored.
func parseScenes(r io.Reader) ([]job.Scene, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	columns := map[string]int{}
	scenes := make([]job.Scene, 0)
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("scene list malformed: %w", err)
		}

		if len(columns) == 0 {
			for i, name := range record {
				columns[strings.TrimSpace(name)] = i
			}
			if !hasColumns(columns, sceneNumberCol, sceneStartCol, sceneEndCol) {
				columns = map[string]int{}
			}

			continue
		}

		scene, err := parseScene(record, columns)
		if err != nil {
			return nil, err
		}
		scenes = append(scenes, scene)
	}

	if len(columns) == 0 {
		return nil, errors.New("scene list has no header row")
	}

	return scenes, nil
}

func parseScene(record []string, columns map[string]int) (job.Scene, error) {
	field := func(name string) (string, error) {
		i := columns[name]
		if i >= len(record) {
			return "", fmt.Errorf("scene list row missing column %q", name)
		}
		return strings.TrimSpace(record[i]), nil
	}

	var (
		scene job.Scene
		raw   string
		err   error
	)

	if raw, err = field(sceneNumberCol); err != nil {
		return scene, err
	}
	if scene.Index, err = strconv.Atoi(raw); err != nil {
		return scene, fmt.Errorf("scene number %q invalid: %w", raw, err)
	}

	if raw, err = field(sceneStartCol); err != nil {
		return scene, err
	}
	if scene.Start, err = strconv.ParseFloat(raw, 64); err != nil {
		return scene, fmt.Errorf("scene start %q invalid: %w", raw, err)
	}

	if raw, err = field(sceneEndCol); err != nil {
		return scene, err
	}
	if scene.End, err = strconv.ParseFloat(raw, 64); err != nil {
		return scene, fmt.Errorf("scene end %q invalid: %w", raw, err)
	}

	return scene, nil
}

func hasColumns(columns map[string]int, names ...string) bool {
	for _, n := range names {
		if _, ok := columns[n]; !ok {
			return false
		}
	}

	return true
}
