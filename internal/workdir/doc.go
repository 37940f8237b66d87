// Package workdir reclaims per-order scratch directories under the configured
// work_dir once their orders no longer need them.
package workdir
