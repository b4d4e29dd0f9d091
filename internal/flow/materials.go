package flow

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BTreeMap/CardioCheck/internal/models"
)

// LoadMaterials lists the regular files in dir as completion documents,
// sorted by name. A missing directory yields no documents.
func LoadMaterials(dir string) ([]models.Document, error) {
	if dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		slog.Warn("LoadMaterials: materials directory not found", "dir", dir)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read materials dir %s: %w", dir, err)
	}
	var docs []models.Document
	for _, entry := range entries {
		if !entry.Type().IsRegular() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		docs = append(docs, models.Document{
			Path:    filepath.Join(dir, entry.Name()),
			Caption: materialCaption(entry.Name()),
		})
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].Path < docs[j].Path })
	slog.Debug("LoadMaterials: loaded", "dir", dir, "count", len(docs))
	return docs, nil
}

func materialCaption(name string) string {
	lower := strings.ToLower(name)
	switch {
	case strings.Contains(lower, "analyses"):
		return "📋 Basic lab tests to prepare for the webinar"
	case strings.Contains(lower, "checklist"):
		return "📌 Bonus checklist: drugs and methods that do not treat the heart and vessels"
	case strings.Contains(lower, "webinar"):
		return "📋 Webinar materials"
	}
	return "📄 Additional material: " + name
}

// materials returns the completion documents, or the text version when
// no files are configured.
func (e *Engine) materials() []models.Outbound {
	if len(e.opts.Materials) == 0 {
		return []models.Outbound{
			models.Text(textAnalyses),
			models.Text(textChecklist),
		}
	}
	out := []models.Outbound{models.Text(msgMaterialsIntro)}
	for _, doc := range e.opts.Materials {
		d := doc
		out = append(out, models.Outbound{Document: &d})
	}
	return out
}

const textAnalyses = `Basic lab tests for a cardio checkup

Blood tests:
• Complete blood count
• Glucose, total cholesterol, HDL, LDL, triglycerides
• Creatinine, urea, ALT, AST
• C-reactive protein
• Glycated hemoglobin (HbA1c)

Instrumental checks:
• Resting ECG
• Home blood pressure diary for 7 days
• Body mass index and waist circumference

Take blood tests on an empty stomach and bring the results to the webinar.`

const textChecklist = `Checklist: drugs that do not treat the heart

Metabolic drugs, "vascular" drugs and "heart vitamins" without proven effect do not reduce cardiovascular risk.

What actually works:
• A balanced diet
• Regular physical activity
• Quitting smoking
• Controlling blood pressure and cholesterol
• Managing stress

Any prescription only after consulting a doctor.`
