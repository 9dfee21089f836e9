//go:build integration

package browser

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"testing"
	"time"
)

func requireChrome(t *testing.T) {
	t.Helper()
	for _, name := range []string{"google-chrome", "chromium", "chromium-browser", "headless-shell"} {
		if _, err := exec.LookPath(name); err == nil {
			return
		}
	}
	t.Skip("Chrome is not installed, skipping integration test")
}

func TestChrome_NavigateFillEvaluate(t *testing.T) {
	requireChrome(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><body>
			<form>
				<input name="email"><input name="postcode"><input type="checkbox" name="terms">
			</form>
			<div class="shipping-options">PostNord MyPack</div>
		</body></html>`)
	}))
	defer srv.Close()

	c := New(Config{Timeout: 20 * time.Second})
	defer c.Close()

	ctx := context.Background()
	page, err := c.NewPage(ctx)
	if err != nil {
		t.Fatalf("NewPage: %v", err)
	}
	defer page.Close()

	if err := page.Navigate(ctx, srv.URL); err != nil {
		t.Fatalf("Navigate: %v", err)
	}

	filled, err := page.FillCheckoutForm(ctx)
	if err != nil {
		t.Fatalf("FillCheckoutForm: %v", err)
	}
	if filled != 2 {
		t.Errorf("filled = %d, want 2", filled)
	}

	var text string
	if err := page.Evaluate(ctx, `document.querySelector(".shipping-options").innerText`, &text); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if text != "PostNord MyPack" {
		t.Errorf("text = %q", text)
	}
}
