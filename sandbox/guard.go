package sandbox

// guardSource is staged next to the run source and wraps it in a PEP 578
// audit hook. Reads stay open so imports work; writes, path mutations and
// process spawning outside the work root raise PermissionError inside the
// child. Audit hooks cannot be removed once installed, so the run source
// cannot unhook itself.
const guardSource = `import os
import runpy
import sys

ROOT = os.path.realpath(sys.argv[1])
SOURCE = sys.argv[2]

WRITE_FLAGS = os.O_WRONLY | os.O_RDWR | os.O_APPEND | os.O_CREAT | os.O_TRUNC

SPAWN_EVENTS = {
    "subprocess.Popen",
    "os.system",
    "os.exec",
    "os.posix_spawn",
    "os.spawn",
    "os.fork",
    "os.forkpty",
}

MUTATE_EVENTS = {
    "os.remove",
    "os.rename",
    "os.mkdir",
    "os.rmdir",
    "os.link",
    "os.symlink",
    "os.chmod",
    "os.chown",
    "os.truncate",
    "os.utime",
}


def _inside(path):
    if path is None or isinstance(path, int):
        return True
    try:
        real = os.path.realpath(os.fspath(path))
    except TypeError:
        return True
    return real == ROOT or real.startswith(ROOT + os.sep)


def _hook(event, args):
    if event in SPAWN_EVENTS:
        raise PermissionError("blocked: " + event)
    if event == "open":
        path, mode, flags = args
        writing = any(c in mode for c in "wax+") if mode else flags & WRITE_FLAGS
        if writing and not _inside(path):
            raise PermissionError("write outside the work directory: %r" % (path,))
    elif event in MUTATE_EVENTS:
        for target in args:
            if not _inside(target):
                raise PermissionError("%s outside the work directory: %r" % (event, target))


sys.addaudithook(_hook)
sys.argv = [SOURCE]
runpy.run_path(SOURCE, run_name="__main__")
`
