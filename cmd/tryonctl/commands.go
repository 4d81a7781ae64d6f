package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"tryonhub/pkg/domain"
	"tryonhub/pkg/tryonclient"
)

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func parse(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %s: %v", errUsage, fs.Name(), err)
	}
	return nil
}

func runToken(args []string, out io.Writer) error {
	fs := newFlagSet("token")
	secret := fs.String("secret", os.Getenv("JWT_SECRET"), "HS256 signing secret")
	subject := fs.String("sub", "", "user id")
	issuer := fs.String("iss", envOr("JWT_ISSUER", "tryon-auth"), "issuer")
	audience := fs.String("aud", envOr("JWT_AUDIENCE", "tryon-api"), "audience")
	ttl := fs.Duration("ttl", time.Hour, "token lifetime")
	if err := parse(fs, args); err != nil {
		return err
	}
	if *secret == "" || *subject == "" {
		return fmt.Errorf("%w: token needs -secret and -sub", errUsage)
	}
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   *subject,
		Issuer:    *issuer,
		Audience:  jwt.ClaimStrings{*audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(*ttl)),
	})
	signed, err := token.SignedString([]byte(*secret))
	if err != nil {
		return fmt.Errorf("sign token: %w", err)
	}
	fmt.Fprintln(out, signed)
	return nil
}

func client(g globals) *tryonclient.Client {
	return tryonclient.NewClient(g.server, g.token, nil)
}

func runUpload(ctx context.Context, g globals, args []string, out io.Writer) error {
	fs := newFlagSet("upload")
	path := fs.String("file", "", "image file (jpeg, png or webp)")
	if err := parse(fs, args); err != nil {
		return err
	}
	if *path == "" {
		return fmt.Errorf("%w: upload needs -file", errUsage)
	}
	data, err := os.ReadFile(*path)
	if err != nil {
		return err
	}
	res, err := client(g).UploadPhoto(ctx, filepath.Base(*path), data)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "uploaded %s\n%s\n", res.ImageID, res.ImageURL)
	return nil
}

func runStatus(ctx context.Context, g globals, out io.Writer) error {
	data, err := client(g).TryOnData(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(data)
}

func runQuota(ctx context.Context, g globals, out io.Writer) error {
	q, err := client(g).RateLimit(ctx)
	if err != nil {
		return err
	}
	printQuota(out, q)
	return nil
}

func printQuota(out io.Writer, q domain.Quota) {
	fmt.Fprintf(out, "%d of %d generations left, window resets at %s\n", q.Remaining, q.Limit, q.ResetAt.Local().Format(time.Kitchen))
}

func runGenerate(ctx context.Context, g globals, args []string, out io.Writer) error {
	fs := newFlagSet("generate")
	product := fs.String("product", "", "product id")
	if err := parse(fs, args); err != nil {
		return err
	}
	if *product == "" {
		return fmt.Errorf("%w: generate needs -product", errUsage)
	}
	res, err := client(g).Generate(ctx, *product)
	if err != nil {
		return describe(err)
	}
	fmt.Fprintf(out, "%s: %s (%d left)\n", *product, res.URL, res.Remaining)
	return nil
}

// runFirst queues generations for the first N catalog products that have no
// result yet, bounded by the remaining quota, and prints every job transition.
func runFirst(ctx context.Context, g globals, args []string, out io.Writer) error {
	fs := newFlagSet("first")
	n := fs.Int("n", 3, "number of products")
	parallel := fs.Int("parallel", 3, "jobs in flight at once")
	if err := parse(fs, args); err != nil {
		return err
	}
	c := client(g)
	data, err := c.TryOnData(ctx)
	if err != nil {
		return err
	}
	if !data.HasPhoto {
		return errors.New("upload a photo first (tryonctl upload -file ...)")
	}
	products, err := c.Products(ctx, *n)
	if err != nil {
		return err
	}
	existing := make(map[string]bool, len(data.GeneratedImages))
	for _, img := range data.GeneratedImages {
		existing[img.ProductID] = true
	}

	queue := tryonclient.NewJobQueue(tryonclient.ClientProcessor(c), tryonclient.QueueOptions{MaxConcurrent: *parallel})
	var mu sync.Mutex
	queue.Subscribe(func(job tryonclient.Job) {
		mu.Lock()
		defer mu.Unlock()
		switch job.Status {
		case domain.JobFailed:
			fmt.Fprintf(out, "%-10s %s: %s\n", job.Status, job.ProductName, job.Error)
		case domain.JobCompleted:
			fmt.Fprintf(out, "%-10s %s: %s\n", job.Status, job.ProductName, job.ResultURL)
		default:
			fmt.Fprintf(out, "%-10s %s\n", job.Status, job.ProductName)
		}
	})
	budget := data.RateLimit.Remaining
	for _, p := range products {
		if existing[p.ID] {
			fmt.Fprintf(out, "%-10s %s\n", "exists", displayName(p))
			continue
		}
		if budget == 0 {
			fmt.Fprintf(out, "%-10s %s: quota exhausted\n", "skipped", displayName(p))
			continue
		}
		budget--
		queue.Submit(p.ID, displayName(p), p.ImageURL, data.UserPhotoURL)
	}
	queue.Wait()

	failed := 0
	for _, job := range queue.Jobs() {
		if job.Status == domain.JobFailed {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d generations failed", failed, len(queue.Jobs()))
	}
	return nil
}

func displayName(p tryonclient.Product) string {
	if p.Name != "" {
		return p.Name
	}
	return p.ID
}

func runBatch(ctx context.Context, g globals, args []string, out io.Writer) error {
	fs := newFlagSet("batch")
	products := fs.String("products", "", "comma-separated product ids")
	maxCount := fs.Int("max", 0, "maximum generations (server default when 0)")
	if err := parse(fs, args); err != nil {
		return err
	}
	ids := splitList(*products)
	if len(ids) == 0 {
		return fmt.Errorf("%w: batch needs -products", errUsage)
	}
	res, err := client(g).GenerateBatch(ctx, ids, *maxCount)
	if err != nil {
		return describe(err)
	}
	for _, item := range res.Results {
		line := fmt.Sprintf("%-15s %s", item.Status, item.ProductID)
		switch {
		case item.URL != "":
			line += " " + item.URL
		case item.Error != "":
			line += " (" + item.Error + ")"
		}
		fmt.Fprintln(out, line)
	}
	fmt.Fprintf(out, "processed %d\n", res.TotalProcessed)
	return nil
}

func runSave(ctx context.Context, g globals, args []string, out io.Writer) error {
	fs := newFlagSet("save")
	product := fs.String("product", "", "product id")
	imageURL := fs.String("url", "", "image url (defaults to the generated result)")
	if err := parse(fs, args); err != nil {
		return err
	}
	if *product == "" {
		return fmt.Errorf("%w: save needs -product", errUsage)
	}
	entry, err := client(g).SaveToGallery(ctx, *product, *imageURL)
	if err != nil {
		return err
	}
	visibility := "private"
	if entry.IsPublic {
		visibility = "public"
	}
	fmt.Fprintf(out, "saved %s (%s)\n", entry.ID, visibility)
	return nil
}

func runForget(ctx context.Context, g globals, out io.Writer) error {
	if err := client(g).DeletePhoto(ctx); err != nil {
		return err
	}
	fmt.Fprintln(out, "photo and generated results deleted")
	return nil
}

// describe adds the reset time to quota errors.
func describe(err error) error {
	var apiErr *tryonclient.APIError
	if tryonclient.IsRateLimited(err) && errors.As(err, &apiErr) && !apiErr.ResetAt.IsZero() {
		return fmt.Errorf("%s; try again after %s", apiErr.Message, apiErr.ResetAt.Local().Format(time.Kitchen))
	}
	return err
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
