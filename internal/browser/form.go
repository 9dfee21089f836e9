package browser

// fillFormScript fills visible inputs whose name, id, autocomplete or
// placeholder attributes look like checkout address fields, fires the events
// frameworks listen to, and returns the number of fields filled.
const fillFormScript = `(() => {
  const values = [
    [["email", "e-post", "epost"], "test.buyer@example.com"],
    [["phone", "tel", "mobil", "telefon"], "0701234567"],
    [["firstname", "first_name", "given", "fornamn", "förnamn", "fname"], "Test"],
    [["lastname", "last_name", "family", "efternamn", "surname", "lname"], "Buyer"],
    [["postcode", "postal", "zip", "postnummer", "postnr"], "11122"],
    [["city", "ort", "stad", "town", "locality"], "Stockholm"],
    [["address", "street", "adress", "gatuadress", "address1", "address-line1"], "Drottninggatan 1"],
    [["name", "namn", "fullname"], "Test Buyer"],
  ];
  const attrs = (el) => [el.name, el.id, el.getAttribute("autocomplete"), el.placeholder]
    .filter(Boolean).join(" ").toLowerCase();
  const visible = (el) => !!(el.offsetWidth || el.offsetHeight || el.getClientRects().length);
  const setter = Object.getOwnPropertyDescriptor(HTMLInputElement.prototype, "value").set;
  let filled = 0;
  for (const el of document.querySelectorAll("input")) {
    const type = (el.type || "text").toLowerCase();
    if (!["text", "email", "tel", "search", ""].includes(type) || !visible(el) || el.value) continue;
    const a = attrs(el);
    const hit = values.find(([keys]) => keys.some((k) => a.includes(k)));
    if (!hit) continue;
    setter.call(el, hit[1]);
    el.dispatchEvent(new Event("input", { bubbles: true }));
    el.dispatchEvent(new Event("change", { bubbles: true }));
    el.dispatchEvent(new Event("blur", { bubbles: true }));
    filled++;
  }
  return filled;
})()`
