// File: internal/inject/script.go
package inject

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"github.com/dakbox/dakbox-cli/internal/browser/dom"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// writeFn applies a Write inside the page. The value goes through the prototype setter so
// framework wrappers installed on the instance do not swallow it.
const writeFn = `(function(w) {
  const el = document.querySelector('[` + dom.RefAttr + `="' + CSS.escape(w.ref) + '"]');
  if (!el) { return false; }
  const proto = el instanceof HTMLTextAreaElement ? HTMLTextAreaElement.prototype : HTMLInputElement.prototype;
  const desc = Object.getOwnPropertyDescriptor(proto, 'value');
  const set = (v) => { if (desc && desc.set) { desc.set.call(el, v); } else { el.value = v; } };
  if (w.clear) {
    set('');
    el.dispatchEvent(new InputEvent('input', { bubbles: true, cancelable: true, inputType: 'deleteContentBackward' }));
  }
  set(w.value);
  for (const ev of (w.events || [])) {
    let e;
    switch (ev.type) {
      case 'keydown':
      case 'keyup':
        e = new KeyboardEvent(ev.type, { bubbles: true, cancelable: true, key: ev.key || '' });
        break;
      case 'input':
        e = new InputEvent('input', { bubbles: true, cancelable: true, inputType: ev.inputType || 'insertText', data: ev.data || null });
        break;
      default:
        e = new Event(ev.type, { bubbles: true });
    }
    el.dispatchEvent(e);
  }
  return true;
})(%s)`

const focusFn = `(function(ref) {
  const el = document.querySelector('[` + dom.RefAttr + `="' + CSS.escape(ref) + '"]');
  if (!el) { return false; }
  el.focus();
  el.dispatchEvent(new FocusEvent('focus', { bubbles: false }));
  return true;
})(%s)`

const blurFn = `(function(ref) {
  const el = document.querySelector('[` + dom.RefAttr + `="' + CSS.escape(ref) + '"]');
  if (!el) { return false; }
  el.blur();
  el.dispatchEvent(new FocusEvent('blur', { bubbles: false }));
  return true;
})(%s)`

const clickFn = `(function(ref) {
  const el = document.querySelector('[` + dom.RefAttr + `="' + CSS.escape(ref) + '"]');
  if (!el) { return false; }
  el.click();
  return true;
})(%s)`

// WriteScript renders the expression applying w. It evaluates to false when the ref is gone.
func WriteScript(w Write) (string, error) {
	return render(writeFn, w)
}

// FocusScript renders the expression focusing the element with ref.
func FocusScript(ref string) (string, error) { return render(focusFn, ref) }

// BlurScript renders the expression blurring the element with ref.
func BlurScript(ref string) (string, error) { return render(blurFn, ref) }

// ClickScript renders the expression clicking the element with ref.
func ClickScript(ref string) (string, error) { return render(clickFn, ref) }

func render(fn string, arg interface{}) (string, error) {
	b, err := json.Marshal(arg)
	if err != nil {
		return "", fmt.Errorf("failed to encode script argument: %w", err)
	}
	return fmt.Sprintf(fn, b), nil
}
