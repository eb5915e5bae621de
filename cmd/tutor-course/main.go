package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/loqalabs/loqa-tutor/internal/config"
	"github.com/loqalabs/loqa-tutor/internal/course"
	"github.com/loqalabs/loqa-tutor/internal/segment"
)

var version = "0.1.0-dev"

func main() {
	var (
		manifestPath string
		dir          string
		maxChars     int
	)
	validateCmd := flag.NewFlagSet("validate", flag.ExitOnError)
	validateCmd.StringVar(&manifestPath, "file", "course.yaml", "Path to course manifest")
	validateCmd.StringVar(&dir, "dir", "", "Validate every manifest in a directory instead")

	segmentsCmd := flag.NewFlagSet("segments", flag.ExitOnError)
	segmentsCmd.StringVar(&manifestPath, "file", "course.yaml", "Path to course manifest")
	segmentsCmd.IntVar(&maxChars, "max-chars", config.Default().Teaching.SegmentMaxChars, "Maximum characters per segment")

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'validate', 'segments' or 'version'")
		os.Exit(2)
	}

	switch os.Args[1] {
	case "validate":
		validateCmd.Parse(os.Args[2:])
		if err := runValidate(manifestPath, dir); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case "segments":
		segmentsCmd.Parse(os.Args[2:])
		if err := runSegments(manifestPath, maxChars); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
}

func runValidate(path, dir string) error {
	if dir != "" {
		cat, err := course.LoadDir(dir)
		if err != nil {
			return err
		}
		fmt.Printf("%d courses valid\n", len(cat.IDs()))
		return nil
	}
	c, err := course.Load(path)
	if err != nil {
		return err
	}
	if err := course.Validate(c); err != nil {
		return err
	}
	fmt.Println("manifest valid")
	return nil
}

// runSegments prints how each topic will be split for speech, so authors can
// spot paragraphs that run long.
func runSegments(path string, maxChars int) error {
	c, err := course.Load(path)
	if err != nil {
		return err
	}
	if err := course.Validate(c); err != nil {
		return err
	}
	for mi, m := range c.Modules {
		for ti, t := range m.Topics {
			segs := segment.Split(t.Content, maxChars)
			fmt.Printf("[%d.%d] %s (%d segments)\n", mi, ti, t.Title, len(segs))
			for i, s := range segs {
				fmt.Printf("  %3d  %4d  %s\n", i, len(s), s)
			}
		}
	}
	return nil
}
