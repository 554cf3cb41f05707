package agent

import (
	"context"

	"github.com/cgsuite/research-bridge/internal/cdp"
	"github.com/chromedp/cdproto/target"
)

const panelID = "cg-suite-research-panel"

// Driver implements PageDriver over the CDP manager.
type Driver struct {
	mgr *cdp.Manager
}

func NewDriver(mgr *cdp.Manager) *Driver {
	return &Driver{mgr: mgr}
}

// ShowPanel injects the confirmation side panel. Injection is idempotent: if
// the panel element already exists the script leaves it alone and reports
// shown=false.
func (d *Driver) ShowPanel(ctx context.Context, id target.ID, isRefine bool) (bool, error) {
	heading, label := "Have you got the data yet?", "Yes"
	if isRefine {
		heading, label = "Are you done?", "Yes, bring me back"
	}

	var out struct {
		Shown bool `json:"shown"`
	}
	if err := d.mgr.Eval(ctx, id, panelScript(heading, label), &out); err != nil {
		return false, err
	}
	return out.Shown, nil
}

// Snapshot returns the tab's URL and rendered HTML.
func (d *Driver) Snapshot(ctx context.Context, id target.ID) (string, string, error) {
	return d.mgr.Snapshot(ctx, id)
}

// panelScript builds the injection script. The button removes the panel
// before calling the confirm binding, so a second click is impossible.
func panelScript(heading, label string) string {
	return cdp.WrapJSEval(`
if (document.getElementById('` + panelID + `')) {
  return JSON.stringify({ok:true,data:{shown:false}});
}
var panel = document.createElement('div');
panel.id = '` + panelID + `';
panel.innerHTML =
  '<div style="position: fixed; top: 50%; right: 0; transform: translateY(-50%);' +
  ' z-index: 2147483647; background: #1e3a8a; color: white;' +
  ' padding: 16px 20px; border-radius: 12px 0 0 12px; box-shadow: -4px 4px 20px rgba(0,0,0,0.2);' +
  ' font-family: system-ui, sans-serif; min-width: 200px;">' +
  '<p style="margin: 0 0 12px 0; font-weight: 600; font-size: 14px;">' + ` + cdp.JSString(heading) + ` + '</p>' +
  '<button id="` + panelID + `-yes" style="width: 100%; padding: 10px 16px; background: #fbbf24;' +
  ' color: #1e3a8a; border: none; border-radius: 8px; font-weight: 700; cursor: pointer;' +
  ' font-size: 14px;">' + ` + cdp.JSString(label) + ` + '</button></div>';
document.body.appendChild(panel);
document.getElementById('` + panelID + `-yes').addEventListener('click', function () {
  panel.remove();
  window.` + cdp.ConfirmBinding + `('confirmed');
});
return JSON.stringify({ok:true,data:{shown:true}});
`)
}
