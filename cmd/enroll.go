package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/andresmejia3/rollcall/internal/frames"
	"github.com/andresmejia3/rollcall/internal/gallery"
	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/spf13/cobra"
)

var (
	enrollName string
	enrollRoll int
)

var enrollCmd = &cobra.Command{
	Use:   "enroll <student_id> <photo>...",
	Short: "Enroll a student from reference photos",
	Long: `Computes one reference embedding per photo and stores the student in the
gallery. Re-enrolling a student replaces all of their reference embeddings.
Photos without a face are skipped; when a photo shows several faces the
largest one is used.`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		id := gallery.Identity{StudentID: args[0], DisplayName: enrollName, RollNumber: enrollRoll}
		if id.RollNumber < 1 {
			return errors.New("--roll must be at least 1")
		}

		reg, err := registry(ctx)
		if err != nil {
			return err
		}

		wk, err := startWorker(ctx)
		if err != nil {
			return err
		}
		defer wk.Close()

		for _, photo := range args[1:] {
			data, err := frames.LoadJPEG(photo)
			if err != nil {
				return fail("Failed to read photo", err, nil)
			}
			faces, err := wk.ProcessFrame(data)
			if err != nil {
				return fail("Python crashed", err, wk.Cmd)
			}
			face, ok := largestFace(faces)
			if !ok {
				fmt.Fprintf(os.Stderr, "⚠️  No face found in %s, skipping\n", filepath.Base(photo))
				continue
			}
			if len(faces) > 1 {
				fmt.Fprintf(os.Stderr, "⚠️  %d faces in %s, using the largest\n", len(faces), filepath.Base(photo))
			}
			id.Embeddings = append(id.Embeddings, face.Vec)
		}
		if len(id.Embeddings) == 0 {
			return fail("Nothing to enroll", fmt.Errorf("%w: no face found in any photo of %s", gallery.ErrNoEmbeddings, id.StudentID), nil)
		}

		if err := reg.EnrollStudent(ctx, id); err != nil {
			return fail("Failed to enroll student", err, nil)
		}
		fmt.Fprintf(stdout, "✅ Enrolled %s (roll %d) from %d of %d photos\n", id.StudentID, id.RollNumber, len(id.Embeddings), len(args)-1)
		return nil
	},
}

func init() {
	enrollCmd.Flags().StringVar(&enrollName, "name", "", "Display name")
	enrollCmd.Flags().IntVar(&enrollRoll, "roll", 0, "Roll number (unique, 1 or more)")
	enrollCmd.Flags().String("model", "hog", "Face locator model: hog or cnn")
	enrollCmd.MarkFlagRequired("roll")
	rootCmd.AddCommand(enrollCmd)
}

// largestFace picks the face with the biggest bounding box.
func largestFace(faces []types.Face) (types.Face, bool) {
	if len(faces) == 0 {
		return types.Face{}, false
	}
	best := faces[0]
	for _, f := range faces[1:] {
		if f.Area() > best.Area() {
			best = f
		}
	}
	return best, true
}
