package harvest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"github.com/hazyhaar/dcepipe/tender"
)

// Download flow selectors on the dossier detail page.
const (
	selDownloadLink     = "a#ctl0_CONTENU_PAGE_linkDownloadDce"
	selFormName         = "#ctl0_CONTENU_PAGE_EntrepriseFormulaireDemande_nom"
	selFormFirstName    = "#ctl0_CONTENU_PAGE_EntrepriseFormulaireDemande_prenom"
	selFormEmail        = "#ctl0_CONTENU_PAGE_EntrepriseFormulaireDemande_email"
	selAcceptTerms      = "#ctl0_CONTENU_PAGE_EntrepriseFormulaireDemande_accepterConditions"
	selValidateButton   = "#ctl0_CONTENU_PAGE_validateButton"
	selCompleteDownload = "#ctl0_CONTENU_PAGE_EntrepriseDownloadDce_completeDownload"
)

// fetchDossier retrieves one dossier archive: detail page, identification
// form, then the complete-archive download. Every failure is reported on the
// returned record, never as an error; one broken dossier must not disturb
// the rest of the run.
func (h *Harvester) fetchDossier(ctx context.Context, s *session, run *Run, index int, locator string) RetrievedArchive {
	res := RetrievedArchive{Index: index, Locator: locator, Outcome: tender.OutcomeFailed}

	fail := func(stage string, err error) RetrievedArchive {
		res.Detail = fmt.Sprintf("%s: %v", stage, err)
		return res
	}

	page, err := s.mgr.NewPage()
	if err != nil {
		return fail("open tab", err)
	}
	defer page.Close()

	pctx, cancel := context.WithTimeout(ctx, h.cfg.PageTimeout)
	defer cancel()
	p := page.Context(pctx)

	if err := p.Navigate(locator); err != nil {
		return fail("navigate", err)
	}
	if err := p.WaitLoad(); err != nil {
		return fail("page load", err)
	}

	link, err := p.Element(selDownloadLink)
	if err != nil {
		return fail("download link", err)
	}
	if err := link.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fail("download link click", err)
	}

	// Identification form. The portal requires it before releasing the
	// archive but performs no verification.
	nameEl, err := p.Element(selFormName)
	if err != nil {
		return fail("request form", err)
	}
	if err := nameEl.Input(h.cfg.Identity.Name); err != nil {
		return fail("form name", err)
	}
	if el, err := p.Element(selFormFirstName); err == nil {
		if err := el.Input(h.cfg.Identity.FirstName); err != nil {
			return fail("form first name", err)
		}
	}
	if el, err := p.Element(selFormEmail); err == nil {
		if err := el.Input(h.cfg.Identity.Email); err != nil {
			return fail("form email", err)
		}
	}
	cb, err := p.Element(selAcceptTerms)
	if err != nil {
		return fail("terms checkbox", err)
	}
	if err := checkBox(cb); err != nil {
		return fail("terms checkbox", err)
	}
	submit, err := p.Element(selValidateButton)
	if err != nil {
		return fail("validate button", err)
	}
	if err := submit.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fail("form submit", err)
	}

	complete, err := p.Element(selCompleteDownload)
	if err != nil {
		return fail("complete download button", err)
	}

	// Subscribe to download events before triggering: the WillBegin event
	// fires immediately on click and must not be missed.
	dctx, dcancel := context.WithTimeout(ctx, h.cfg.DownloadTimeout)
	defer dcancel()
	wait := waitDownload(dctx, s.mgr.Browser(), page, s.staging)

	if err := complete.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fail("download click", err)
	}

	name, data, err := wait()
	if err != nil {
		return fail("download", err)
	}

	res.Outcome = tender.OutcomeSuccess
	res.Detail = ""
	res.Data = data
	res.SuggestedName = name
	return res
}

func checkBox(el *rod.Element) error {
	sel, err := el.Property("checked")
	if err == nil && sel.Bool() {
		return nil
	}
	return el.Click(proto.InputMouseButtonLeft, 1)
}

// waitDownload arms a CDP download watcher scoped to the page's frame and
// returns a blocking collector. The archive lands in the staging directory
// under its download GUID; the collector reads it and deletes it right away
// so nothing lingers on disk.
func waitDownload(ctx context.Context, b *rod.Browser, page *rod.Page, staging string) func() (string, []byte, error) {
	var (
		guid      string
		suggested string
		canceled  bool
	)
	frameID := page.FrameID

	wait := b.Context(ctx).EachEvent(
		func(e *proto.BrowserDownloadWillBegin) {
			if guid == "" && e.FrameID == frameID {
				guid = e.GUID
				suggested = e.SuggestedFilename
			}
		},
		func(e *proto.BrowserDownloadProgress) bool {
			if guid == "" || e.GUID != guid {
				return false
			}
			switch e.State {
			case proto.BrowserDownloadProgressStateCompleted:
				return true
			case proto.BrowserDownloadProgressStateCanceled:
				canceled = true
				return true
			}
			return false
		},
	)

	return func() (string, []byte, error) {
		wait()
		if err := ctx.Err(); err != nil {
			return "", nil, fmt.Errorf("download timed out: %w", err)
		}
		if canceled {
			return "", nil, fmt.Errorf("download canceled by browser")
		}
		if guid == "" {
			return "", nil, fmt.Errorf("download never started")
		}

		path := filepath.Join(staging, guid)
		data, err := os.ReadFile(path)
		os.Remove(path)
		if err != nil {
			return "", nil, fmt.Errorf("read staged archive: %w", err)
		}
		return suggested, data, nil
	}
}
