// internal/playback/scripts.go
package playback

// Page side helpers. Each is a function expression invoked through
// schemas.Page.Evaluate with JSON encoded arguments.
const (
	// clearFieldFn focuses the field, selects its content and empties it so
	// the following Type call overwrites whatever the page prefilled.
	clearFieldFn = `(selector) => {
  const el = document.querySelector(selector);
  if (!el) throw new Error('element not found: ' + selector);
  el.focus();
  if (el.isContentEditable) {
    const range = document.createRange();
    range.selectNodeContents(el);
    const sel = window.getSelection();
    sel.removeAllRanges();
    sel.addRange(range);
    document.execCommand('delete');
  } else if (typeof el.select === 'function') {
    el.select();
    el.value = '';
    el.dispatchEvent(new Event('input', {bubbles: true}));
  }
  return true;
}`

	focusFn = `(selector) => {
  const el = document.querySelector(selector);
  if (!el) throw new Error('element not found: ' + selector);
  el.focus();
  return true;
}`

	hoverFn = `(selector, x, y) => {
  const el = selector ? document.querySelector(selector) : document.elementFromPoint(x, y);
  if (!el) throw new Error('hover target not found: ' + (selector || (x + ',' + y)));
  const init = {bubbles: true, clientX: x, clientY: y};
  el.dispatchEvent(new MouseEvent('mouseover', init));
  el.dispatchEvent(new MouseEvent('mouseenter', Object.assign({}, init, {bubbles: false})));
  return true;
}`

	scrollFn = `(x, y) => { window.scrollTo(x, y); return true; }`

	// setValueFn replays a change on a control that is not typed into:
	// checkboxes and radios take "true"/"false", multi selects a comma list.
	setValueFn = `(selector, value) => {
  const el = document.querySelector(selector);
  if (!el) throw new Error('element not found: ' + selector);
  const type = (el.type || '').toLowerCase();
  if (type === 'checkbox' || type === 'radio') {
    el.checked = value === 'true';
  } else if (el.tagName === 'SELECT' && el.multiple) {
    const wanted = new Set(value.split(','));
    for (const opt of el.options) opt.selected = wanted.has(opt.value);
  } else {
    el.value = value;
  }
  el.dispatchEvent(new Event('input', {bubbles: true}));
  el.dispatchEvent(new Event('change', {bubbles: true}));
  return true;
}`

	// readyScript is evaluated as an expression, not invoked.
	readyScript = `new Promise((resolve) => {
  if (document.readyState === 'complete') { resolve(true); return; }
  window.addEventListener('load', () => resolve(true), {once: true});
})`
)
