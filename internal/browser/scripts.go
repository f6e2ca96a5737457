// File: internal/browser/scripts.go
package browser

import "github.com/dakbox/dakbox-cli/internal/browser/dom"

// eventBinding is the binding the listener script reports page events through.
const eventBinding = "dakboxPageEvent"

// stampFn assigns a ref to an element that does not carry one yet. The counter lives on the
// window so refs stay unique across snapshots of the same document.
const stampFn = `const __dakboxRef = (el) => {
  if (!el || !el.getAttribute) { return ''; }
  let r = el.getAttribute('` + dom.RefAttr + `');
  if (!r) {
    window.__dakboxSeq = (window.__dakboxSeq || 0) + 1;
    r = 'd' + window.__dakboxSeq;
    el.setAttribute('` + dom.RefAttr + `', r);
  }
  return r;
};`

// stateSelector lists the elements whose layout and value are captured with each snapshot.
const stateSelector = `input, textarea, select, button, a, [role="button"], [contenteditable], .el-button`

// snapshotScript stamps every element and returns the serialized document with live state.
const snapshotScript = `(() => {
  ` + stampFn + `
  const states = {};
  for (const el of document.querySelectorAll('*')) { __dakboxRef(el); }
  for (const el of document.querySelectorAll('` + stateSelector + `')) {
    const ref = el.getAttribute('` + dom.RefAttr + `');
    const r = el.getBoundingClientRect();
    const style = getComputedStyle(el);
    const rendered = style.display !== 'none' && style.visibility !== 'hidden' &&
      (el.offsetParent !== null || style.position === 'fixed');
    const hasValue = 'value' in el && typeof el.value === 'string';
    states[ref] = {
      box: { w: r.width, h: r.height, r: rendered, k: true },
      value: hasValue ? el.value : '',
      hasValue: hasValue,
      disabled: !!el.disabled,
    };
  }
  return { url: location.href, html: document.documentElement.outerHTML, states: states };
})()`

// listenerScript reports clicks, submits, settled DOM mutations and document loads. It is
// installed for every new document and is idempotent.
const listenerScript = `(() => {
  if (window.__dakboxListener) { return; }
  window.__dakboxListener = true;
  ` + stampFn + `
  const send = (m) => { try { window.` + eventBinding + `(JSON.stringify(m)); } catch (e) {} };
  document.addEventListener('click', (e) => send({ type: 'click', ref: __dakboxRef(e.target) }), true);
  document.addEventListener('submit', (e) => send({ type: 'submit', ref: __dakboxRef(e.target) }), true);
  let pending = false;
  const observe = () => {
    new MutationObserver(() => {
      if (pending) { return; }
      pending = true;
      setTimeout(() => { pending = false; send({ type: 'mutation' }); }, 100);
    }).observe(document.documentElement, { childList: true, subtree: true, characterData: true });
  };
  const ready = () => { observe(); send({ type: 'load' }); };
  if (document.readyState === 'loading') {
    document.addEventListener('DOMContentLoaded', ready);
  } else {
    ready();
  }
})();`
