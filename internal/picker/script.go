// File: internal/picker/script.go
package picker

import "github.com/dakbox/dakbox-cli/internal/browser/dom"

// binding is the page function the picker reports its choice through.
const binding = "dakboxPickerResult"

// armScript shows a banner, outlines the hovered element and reports the clicked one as
// {ref, cancelled}. Escape or the Cancel button report a cancellation. The page's own click
// handlers never see the picking click.
const armScript = `(() => {
  if (window.__dakboxPickerActive) { return; }
  window.__dakboxPickerActive = true;

  const ui = document.createElement('div');
  ui.id = 'dakbox-picker-ui';
  ui.style.cssText = 'position:fixed;top:12px;right:12px;z-index:2147483647;padding:10px 14px;' +
    'background:#111827;color:#f9fafb;font:13px sans-serif;border-radius:6px;box-shadow:0 4px 12px rgba(0,0,0,.3)';
  ui.innerHTML = '<div style="font-weight:600">DakBox Element Picker Active</div>' +
    '<div>Hover over the element you want to select and click it.</div>' +
    '<button id="dakbox-picker-cancel" style="margin-top:6px">Cancel</button>';
  document.body.appendChild(ui);

  const box = document.createElement('div');
  box.id = 'dakbox-picker-highlight';
  box.style.cssText = 'position:absolute;display:none;pointer-events:none;z-index:2147483646;' +
    'border:2px solid #f59e0b;background:rgba(245,158,11,.15)';
  document.body.appendChild(box);

  let current = null;
  const report = (m) => { try { window.` + binding + `(JSON.stringify(m)); } catch (e) {} };
  const stamp = (el) => {
    let r = el.getAttribute('` + dom.RefAttr + `');
    if (!r) {
      window.__dakboxSeq = (window.__dakboxSeq || 0) + 1;
      r = 'd' + window.__dakboxSeq;
      el.setAttribute('` + dom.RefAttr + `', r);
    }
    return r;
  };

  const move = (e) => {
    if (e.target.closest('#dakbox-picker-ui') || e.target === box) {
      box.style.display = 'none';
      current = null;
      return;
    }
    current = e.target;
    const r = current.getBoundingClientRect();
    box.style.display = 'block';
    box.style.top = (r.top + window.scrollY) + 'px';
    box.style.left = (r.left + window.scrollX) + 'px';
    box.style.width = r.width + 'px';
    box.style.height = r.height + 'px';
  };
  const cleanup = () => {
    document.removeEventListener('mousemove', move, true);
    document.removeEventListener('click', click, true);
    document.removeEventListener('keydown', key, true);
    ui.remove();
    box.remove();
    window.__dakboxPickerActive = false;
    window.__dakboxPickerCleanup = null;
  };
  window.__dakboxPickerCleanup = cleanup;
  const cancel = () => { cleanup(); report({ cancelled: true }); };
  const click = (e) => {
    e.preventDefault();
    e.stopPropagation();
    if (e.target.id === 'dakbox-picker-cancel') { cancel(); return; }
    if (!current) { return; }
    const ref = stamp(current);
    cleanup();
    report({ ref: ref });
  };
  const key = (e) => { if (e.key === 'Escape') { cancel(); } };

  document.addEventListener('mousemove', move, true);
  document.addEventListener('click', click, true);
  document.addEventListener('keydown', key, true);
})();`

// disarmScript removes an armed picker without reporting anything.
const disarmScript = `(() => {
  if (window.__dakboxPickerCleanup) { window.__dakboxPickerCleanup(); }
})();`
