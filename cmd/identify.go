package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/andresmejia3/rollcall/internal/engagement"
	"github.com/andresmejia3/rollcall/internal/frames"
	"github.com/andresmejia3/rollcall/internal/gallery"
	"github.com/andresmejia3/rollcall/internal/recognition"
	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/andresmejia3/rollcall/internal/worker"
	"github.com/spf13/cobra"
)

var identifyCmd = &cobra.Command{
	Use:   "identify <image_path>",
	Short: "Match the faces in one photo against the gallery",
	Long: `Runs detection, matching and the eye-openness check on one photo and prints
what a session would see for it. Useful for tuning --threshold and
engagement.closed_eye_ratio.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runIdentify(cmd.Context(), args[0])
	},
}

func init() {
	identifyCmd.Flags().Float64P("threshold", "t", 0.5, "Face matching threshold (lower is stricter)")
	identifyCmd.Flags().String("metric", "euclidean", "Descriptor distance: euclidean or cosine")
	identifyCmd.Flags().Float64("detection-threshold", 0.5, "Minimum face detection score")
	identifyCmd.Flags().String("model", "hog", "Face locator model: hog or cnn")
	rootCmd.AddCommand(identifyCmd)
}

func startWorker(ctx context.Context) (*worker.PythonWorker, error) {
	fmt.Fprintln(os.Stderr, "🚀 Starting face models...")
	wk, err := worker.NewPythonWorker(ctx, 0, workerConfig())
	if err != nil {
		return nil, fail("Failed to start face models", err, nil)
	}
	return wk, nil
}

func runIdentify(ctx context.Context, imagePath string) error {
	if _, err := os.Stat(imagePath); err != nil {
		return fail("Input file does not exist", err, nil)
	}
	imgData, err := frames.LoadJPEG(imagePath)
	if err != nil {
		return fail("Failed to read image file", err, nil)
	}

	snap, err := loadGallery(ctx)
	if err != nil {
		return err
	}
	opts := pipelineOptions()
	m, err := recognition.NewMatcher(snap, opts.Recognition)
	if err != nil {
		return err
	}

	wk, err := startWorker(ctx)
	if err != nil {
		return err
	}
	defer wk.Close()

	fmt.Fprintln(os.Stderr, "🔍 Analyzing faces...")
	faces, err := wk.ProcessFrame(imgData)
	if err != nil {
		return fail("Face analysis failed", err, wk.Cmd)
	}
	if len(faces) == 0 {
		fmt.Fprintln(stdout, "❌ No faces detected in the provided image.")
		return nil
	}

	rows, err := identifyFaces(faces, snap, m, opts.Engagement, opts.DetectionThreshold)
	if err != nil {
		return err
	}
	printIdentified(stdout, rows)
	return nil
}

type identified struct {
	Face     types.Face
	Match    recognition.MatchResult
	Name     string
	EAR      float64
	HasEyes  bool
	Label    engagement.Label
	Filtered bool // below the detection threshold
}

// identifyFaces matches every face, largest first. Faces under the detection
// threshold are listed but not matched.
func identifyFaces(faces []types.Face, snap *gallery.Snapshot, m *recognition.Matcher, ec engagement.Config, detThreshold float64) ([]identified, error) {
	sorted := append([]types.Face(nil), faces...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Area() > sorted[j].Area() })

	tr, err := engagement.NewTracker(ec)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	rows := make([]identified, 0, len(sorted))
	for _, f := range sorted {
		row := identified{Face: f}
		if f.Score < detThreshold {
			row.Filtered = true
			rows = append(rows, row)
			continue
		}
		res, err := m.Match(f.Vec, now)
		if err != nil {
			return nil, err
		}
		row.Match = res
		if id, ok := snap.Lookup(res.StudentID); ok {
			row.Name = id.DisplayName
		}
		row.EAR, row.HasEyes = engagement.Openness(f.Landmarks)
		row.Label = tr.Sample("", f.Landmarks)
		rows = append(rows, row)
	}
	return rows, nil
}

func printIdentified(out io.Writer, rows []identified) {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "FACE\tBOX\tSCORE\tSTUDENT\tNAME\tDISTANCE\tEAR\tEYES")
	fmt.Fprintln(w, "----\t---\t-----\t-------\t----\t--------\t---\t----")
	for i, r := range rows {
		box := r.Face.Rect()
		if r.Filtered {
			fmt.Fprintf(w, "%d\t%v\t%.2f\t(below detection threshold)\t\t\t\t\n", i+1, box, r.Face.Score)
			continue
		}
		student := r.Match.StudentID
		if r.Match.Unknown() {
			student = "unknown"
		}
		ear := "-"
		if r.HasEyes {
			ear = fmt.Sprintf("%.3f", r.EAR)
		}
		fmt.Fprintf(w, "%d\t%v\t%.2f\t%s\t%s\t%.4f\t%s\t%s\n", i+1, box, r.Face.Score, student, r.Name, r.Match.Distance, ear, r.Label)
	}
	w.Flush()
}
