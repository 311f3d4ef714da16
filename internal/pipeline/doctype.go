package pipeline

import (
	"bytes"
	"fmt"
	"log"

	"github.com/ledongthuc/pdf"

	"github.com/agridoc/backend/internal/model"
)

// scannedThreshold is the characters-per-page floor below which a PDF is
// considered a scan with no usable text layer.
const scannedThreshold = 50

// maxProbeBytes caps how much text the probe extracts; routing only needs a
// density estimate, not the full document.
const maxProbeBytes = 64 * 1024

// DetectRoute decides which extraction sub-stage a document takes: scanned
// images go through ocr, documents with a structured text layer go through ai.
// The probe never panics and never blocks extraction; on any parse error it
// conservatively routes to ocr.
func DetectRoute(content []byte) (stage model.Stage) {
	if len(content) == 0 {
		// Nothing to probe locally; the engine fetches the source URI. Scraped
		// pages are structured text.
		return model.StageAI
	}
	if len(content) < 4 || !bytes.HasPrefix(content, []byte("%PDF")) {
		// Non-PDF uploads (HTML, text, structured exports) carry their text.
		return model.StageAI
	}

	defer func() {
		if r := recover(); r != nil {
			log.Printf("[doctype] recovered from panic probing PDF: %v", r)
			stage = model.StageOCR
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return model.StageOCR
	}

	pageCount := reader.NumPage()
	if pageCount < 1 {
		pageCount = 1
	}

	chars := 0
probe:
	for i := 1; i <= pageCount; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		chars += len(text)
		if chars >= maxProbeBytes {
			break probe
		}
	}

	if chars/pageCount < scannedThreshold {
		return model.StageOCR
	}
	return model.StageAI
}

// describeRoute renders the routing decision for status event detail.
func describeRoute(stage model.Stage, engine string) string {
	if stage == model.StageOCR {
		return fmt.Sprintf("scanned document routed to ocr engine %s", engine)
	}
	return fmt.Sprintf("text document routed to ai engine %s", engine)
}
